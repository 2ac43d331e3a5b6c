package dispatch

import (
	"sync/atomic"
	"testing"

	"github.com/mehedi37/tasksync/internal/tasks"
)

func TestDispatchReachesTypedAndWildcardOnce(t *testing.T) {
	d := NewDispatcher()

	var typed, wildcard int32
	d.Subscribe(tasks.EventUploadProgress, func(tasks.Envelope) {
		atomic.AddInt32(&typed, 1)
	})
	d.Subscribe(tasks.EventAny, func(tasks.Envelope) {
		atomic.AddInt32(&wildcard, 1)
	})

	d.Dispatch(tasks.Envelope{Type: tasks.EventUploadProgress, TaskID: "t-1"})
	d.Dispatch(tasks.Envelope{Type: tasks.EventUploadComplete, TaskID: "t-1"})

	if got := atomic.LoadInt32(&typed); got != 1 {
		t.Fatalf("typed handler calls = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&wildcard); got != 2 {
		t.Fatalf("wildcard handler calls = %d, want 2", got)
	}
}

func TestSubscribeToTaskFiltersByID(t *testing.T) {
	d := NewDispatcher()

	var seen []string
	d.SubscribeToTask("t-1", func(env tasks.Envelope) {
		seen = append(seen, string(env.Type))
	})

	d.Dispatch(tasks.Envelope{Type: tasks.EventUploadProgress, TaskID: "t-1"})
	d.Dispatch(tasks.Envelope{Type: tasks.EventUploadProgress, TaskID: "t-2"})
	d.Dispatch(tasks.Envelope{Type: tasks.EventUploadComplete, TaskID: "t-1"})

	if len(seen) != 2 {
		t.Fatalf("task handler calls = %d, want 2 (%v)", len(seen), seen)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	d := NewDispatcher()

	var calls int32
	unsubscribe := d.Subscribe(tasks.EventUploadProgress, func(tasks.Envelope) {
		atomic.AddInt32(&calls, 1)
	})

	d.Dispatch(tasks.Envelope{Type: tasks.EventUploadProgress})
	unsubscribe()
	unsubscribe() // double unsubscribe is harmless
	d.Dispatch(tasks.Envelope{Type: tasks.EventUploadProgress})

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("handler calls = %d, want 1", got)
	}
}

func TestPanickingHandlerDoesNotStopSiblings(t *testing.T) {
	d := NewDispatcher()

	var survived int32
	d.Subscribe(tasks.EventUploadProgress, func(tasks.Envelope) {
		panic("boom")
	})
	d.Subscribe(tasks.EventAny, func(tasks.Envelope) {
		atomic.AddInt32(&survived, 1)
	})

	d.Dispatch(tasks.Envelope{Type: tasks.EventUploadProgress})

	if got := atomic.LoadInt32(&survived); got != 1 {
		t.Fatalf("sibling handler calls = %d, want 1", got)
	}
}

func TestResetDropsAllSubscriptions(t *testing.T) {
	d := NewDispatcher()

	var calls int32
	d.Subscribe(tasks.EventAny, func(tasks.Envelope) {
		atomic.AddInt32(&calls, 1)
	})

	d.Reset()
	d.Dispatch(tasks.Envelope{Type: tasks.EventUploadProgress})

	if got := atomic.LoadInt32(&calls); got != 0 {
		t.Fatalf("handler calls after Reset() = %d, want 0", got)
	}
}
