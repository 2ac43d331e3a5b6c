// Package poll supplies the task store with updates when no push channel is
// available, or as the default tracking strategy for one-off trackers.
package poll

import (
	"context"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mehedi37/tasksync/internal/backend"
	"github.com/mehedi37/tasksync/internal/observability"
	"github.com/mehedi37/tasksync/internal/tasks"
)

const (
	defaultInterval    = 2 * time.Second
	defaultMaxFailures = 3
	fetchTimeout       = 10 * time.Second
)

type Poller struct {
	client  *backend.Client
	manager *tasks.Manager
	metrics *observability.Metrics

	// maxFailures is how many consecutive fetch failures are tolerated
	// before one terminal error update is written and polling stops.
	maxFailures int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewPoller(client *backend.Client, manager *tasks.Manager, metrics *observability.Metrics, maxFailures int) *Poller {
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	return &Poller{
		client:      client,
		manager:     manager,
		metrics:     metrics,
		maxFailures: maxFailures,
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Start begins polling the task: an immediate fetch, then one per interval
// until the fetched status is terminal. Starting an already-polling id is a
// no-op.
func (p *Poller) Start(id string, interval time.Duration) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	if interval <= 0 {
		interval = defaultInterval
	}

	p.mu.Lock()
	if _, ok := p.cancels[id]; ok {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancels[id] = cancel
	p.mu.Unlock()

	go p.run(ctx, id, interval)
}

func (p *Poller) Stop(id string) {
	p.mu.Lock()
	cancel, ok := p.cancels[id]
	if ok {
		delete(p.cancels, id)
	}
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

func (p *Poller) StopAll() {
	p.mu.Lock()
	cancels := p.cancels
	p.cancels = make(map[string]context.CancelFunc)
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Polling reports whether id currently has an active polling loop.
func (p *Poller) Polling(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.cancels[id]
	return ok
}

func (p *Poller) run(ctx context.Context, id string, interval time.Duration) {
	defer p.Stop(id)

	failures := 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		terminal, ok := p.fetchOnce(ctx, id)
		if ok {
			failures = 0
			if terminal {
				return
			}
		} else {
			failures++
			if failures >= p.maxFailures {
				errMsg := "status polling failed"
				_, _ = p.manager.ApplyUpdate(id, tasks.Update{
					Status: tasks.StatusError,
					Error:  &errMsg,
					Source: tasks.SourcePoll,
				})
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// fetchOnce pulls one status response and merges it. terminal reports
// whether polling should stop; ok distinguishes fetch success from failure.
func (p *Poller) fetchOnce(ctx context.Context, id string) (terminal, ok bool) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	resp, err := p.client.Status(fetchCtx, id)
	if err != nil {
		if ctx.Err() != nil {
			return false, true
		}
		log.WithError(err).WithField("task_id", id).Warn("status poll failed")
		p.metrics.ObservePollFetch("error")
		return false, false
	}
	p.metrics.ObservePollFetch("ok")

	patch := tasks.Update{
		Status:   tasks.Status(strings.TrimSpace(resp.Status)),
		Metadata: resp.Metadata,
		Source:   tasks.SourcePoll,
	}
	if v, reported := resp.ProgressValue(); reported {
		progress := v
		patch.Progress = &progress
	}
	if resp.Message != "" {
		msg := resp.Message
		patch.Message = &msg
	}
	if resp.Error != "" {
		errMsg := resp.Error
		patch.Error = &errMsg
	}

	if _, err := p.manager.ApplyUpdate(id, patch); err != nil {
		// The task was unregistered while a fetch was in flight.
		return true, true
	}
	return patch.Status.Terminal(), true
}
