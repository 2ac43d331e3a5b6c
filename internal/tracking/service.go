// Package tracking ties the sync core together: it owns the tracking entry
// points callers use to start and stop observing a task, and the
// cancellation protocol.
package tracking

import (
	"context"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mehedi37/tasksync/internal/backend"
	"github.com/mehedi37/tasksync/internal/dispatch"
	"github.com/mehedi37/tasksync/internal/observability"
	"github.com/mehedi37/tasksync/internal/poll"
	"github.com/mehedi37/tasksync/internal/tasks"
	"github.com/mehedi37/tasksync/internal/transport"
)

var ErrNoSuchTask = errors.New("no such task")

const cancelledByUser = "cancelled by user"

type Config struct {
	// PollInterval for the fallback poller; 1-3s typical.
	PollInterval time.Duration
	// AlwaysPoll starts the poller for every registered task even while the
	// realtime channel is open; the terminal gate deduplicates.
	AlwaysPoll bool
}

// Service implements the task lifecycle controller. Registered tasks get
// push updates through one wildcard dispatcher subscription installed at
// construction; polling covers tasks registered while no channel is open.
type Service struct {
	cfg      Config
	clientID string
	manager  *tasks.Manager
	poller   *poll.Poller
	conn     *transport.Manager
	backend  *backend.Client
	metrics  *observability.Metrics

	unsubscribe func()
}

func NewService(
	cfg Config,
	clientID string,
	manager *tasks.Manager,
	dispatcher *dispatch.Dispatcher,
	poller *poll.Poller,
	conn *transport.Manager,
	backendClient *backend.Client,
	metrics *observability.Metrics,
) *Service {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	s := &Service{
		cfg:      cfg,
		clientID: clientID,
		manager:  manager,
		poller:   poller,
		conn:     conn,
		backend:  backendClient,
		metrics:  metrics,
	}
	if dispatcher != nil {
		s.unsubscribe = dispatcher.Subscribe(tasks.EventAny, s.onPushEnvelope)
	}
	return s
}

// onPushEnvelope merges any inbound envelope for a registered task. Envelopes
// for unknown ids are ignored; unsolicited events never create entries.
func (s *Service) onPushEnvelope(env tasks.Envelope) {
	if env.TaskID == "" || !s.manager.Tracked(env.TaskID) {
		return
	}
	state, err := s.manager.ApplyUpdate(env.TaskID, env.Update(tasks.SourcePush))
	if err != nil {
		return
	}
	if state.Status.Terminal() && s.poller != nil {
		s.poller.Stop(env.TaskID)
	}
}

// RegisterTask begins tracking a task id. Idempotent. Polling starts when no
// realtime channel is open, or unconditionally with AlwaysPoll.
func (s *Service) RegisterTask(id string, initial tasks.Update) (tasks.TaskState, error) {
	state, err := s.manager.Register(id, initial)
	if err != nil {
		return tasks.TaskState{}, err
	}
	return s.afterRegister(state), nil
}

// RegisterTypedTask is RegisterTask with a task type recorded for display.
func (s *Service) RegisterTypedTask(id, taskType string, initial tasks.Update) (tasks.TaskState, error) {
	state, err := s.manager.RegisterTyped(id, taskType, initial)
	if err != nil {
		return tasks.TaskState{}, err
	}
	return s.afterRegister(state), nil
}

func (s *Service) afterRegister(state tasks.TaskState) tasks.TaskState {
	s.metrics.ObserveTaskEvent("registered")
	s.updateTrackedGauge()

	if state.Status.Terminal() {
		return state
	}
	if s.cfg.AlwaysPoll || s.conn == nil || s.conn.State() != transport.StateOpen {
		s.poller.Start(state.ID, s.cfg.PollInterval)
	}
	return state
}

// UnregisterTask stops all update delivery for the id and discards its state.
func (s *Service) UnregisterTask(id string) {
	if s.poller != nil {
		s.poller.Stop(id)
	}
	s.manager.Remove(id)
	s.metrics.ObserveTaskEvent("unregistered")
	s.updateTrackedGauge()
}

// Cancel issues the remote cancel command and performs the optimistic local
// transition. Local cancellation is client-authoritative: it stands even
// when the remote call fails, and the failure is still returned.
func (s *Service) Cancel(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if !s.manager.Tracked(id) {
		return ErrNoSuchTask
	}

	msg := cancelledByUser
	_, _ = s.manager.ApplyUpdate(id, tasks.Update{
		Status:  tasks.StatusCancelled,
		Message: &msg,
		Source:  tasks.SourceOptimistic,
	})
	if s.poller != nil {
		s.poller.Stop(id)
	}
	s.metrics.ObserveTaskEvent("cancelled")

	if _, err := s.backend.Cancel(ctx, id, s.clientID); err != nil {
		log.WithError(err).WithField("task_id", id).Warn("remote cancel failed; local cancellation stands")
		return err
	}
	return nil
}

// Connect opens the realtime channel.
func (s *Service) Connect(ctx context.Context) error {
	if s.conn == nil {
		return errors.New("no realtime channel configured")
	}
	return s.conn.Connect(ctx)
}

func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.poller != nil {
		s.poller.StopAll()
	}
	if s.conn != nil {
		s.conn.Disconnect()
	}
}

func (s *Service) updateTrackedGauge() {
	if s.metrics == nil {
		return
	}
	s.metrics.TrackedTasks.Set(float64(len(s.manager.SnapshotAll())))
}
