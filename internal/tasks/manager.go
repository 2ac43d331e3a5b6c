package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mehedi37/tasksync/internal/storage"
)

var ErrNotTracked = errors.New("task is not tracked")

const (
	defaultCompletedRetention = 30 * time.Second
	defaultRestoreMaxAge      = 24 * time.Hour
	persistTimeout            = 2 * time.Second
)

type ManagerConfig struct {
	// CompletedRetention is how long a completed task stays visible before it
	// is removed automatically.
	CompletedRetention time.Duration
	// RestoreMaxAge bounds how old a persisted entry may be before it is
	// dropped during Restore instead of resurrected.
	RestoreMaxAge time.Duration
	// StaleTimeout, when positive, lets the janitor mark processing tasks
	// that received no update for this long as errored. Zero disables it.
	StaleTimeout time.Duration
}

// Manager is the single source of truth for all tracked tasks. Every
// component reads and writes task state through it; the merge policy is
// last-applied-wins gated by the one-way terminal-state guard.
type Manager struct {
	mu sync.RWMutex

	cfg   ManagerConfig
	store storage.Store

	tasks    map[string]*TaskState
	removals map[string]*time.Timer

	watchers    map[int]chan TaskState
	nextWatchID int
}

func NewManager(store storage.Store, cfg ManagerConfig) *Manager {
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = defaultCompletedRetention
	}
	if cfg.RestoreMaxAge <= 0 {
		cfg.RestoreMaxAge = defaultRestoreMaxAge
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		tasks:    make(map[string]*TaskState),
		removals: make(map[string]*time.Timer),
		watchers: make(map[int]chan TaskState),
	}
}

// Register begins tracking a task id. Idempotent: re-registering an existing
// id never duplicates; the second call leaves status and progress alone but
// may refresh the message.
func (m *Manager) Register(id string, initial Update) (TaskState, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return TaskState{}, errors.New("task id is required")
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.tasks[id]; ok {
		if initial.Message != nil {
			existing.Message = *initial.Message
			existing.Updated = now
			m.persistLocked()
			m.notifyLocked(existing.Clone())
		}
		return existing.Clone(), nil
	}

	t := &TaskState{
		ID:       id,
		Status:   StatusProcessing,
		Progress: 0,
		Started:  now,
		Updated:  now,
	}
	if initial.Status.Active() {
		t.Status = initial.Status
	}
	if initial.Progress != nil {
		t.Progress = ClampProgress(*initial.Progress)
	}
	if initial.Message != nil {
		t.Message = *initial.Message
	}
	if initial.Metadata != nil {
		t.Metadata = make(map[string]any, len(initial.Metadata))
		for k, v := range initial.Metadata {
			t.Metadata[k] = v
		}
	}
	if tt, ok := initial.Metadata["type"].(string); ok && t.Type == "" {
		t.Type = tt
	}
	if initial.Source != "" {
		t.Source = initial.Source
	}

	m.tasks[id] = t
	m.persistLocked()
	m.notifyLocked(t.Clone())
	return t.Clone(), nil
}

// RegisterTyped is Register with an explicit classification tag.
func (m *Manager) RegisterTyped(id, taskType string, initial Update) (TaskState, error) {
	state, err := m.Register(id, initial)
	if err != nil {
		return TaskState{}, err
	}
	taskType = strings.TrimSpace(taskType)
	if taskType == "" || state.Type == taskType {
		return state, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		t.Type = taskType
		state = t.Clone()
		m.persistLocked()
	}
	return state, nil
}

// ApplyUpdate merges a patch into a tracked task. A patch whose status is
// non-terminal is dropped once the stored status is terminal: a stale
// "processing" frame must never resurrect a finished task. Terminal-to-
// terminal patches may reconcile error detail but never progress.
func (m *Manager) ApplyUpdate(id string, patch Update) (TaskState, error) {
	id = strings.TrimSpace(id)
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return TaskState{}, ErrNotTracked
	}

	if t.Status.Terminal() {
		if !patch.Status.Terminal() {
			return t.Clone(), nil
		}
		t.Status = patch.Status
		if patch.Error != nil {
			t.Error = *patch.Error
		}
		if patch.Message != nil {
			t.Message = *patch.Message
		}
		mergeMetadata(t, patch.Metadata)
	} else {
		if patch.Status != "" {
			t.Status = patch.Status
		}
		if patch.Progress != nil {
			t.Progress = ClampProgress(*patch.Progress)
		}
		if patch.Message != nil {
			t.Message = *patch.Message
		}
		if patch.Error != nil {
			t.Error = *patch.Error
		}
		mergeMetadata(t, patch.Metadata)
	}

	if t.Status == StatusCompleted {
		t.Error = ""
	}
	if patch.Source != "" {
		t.Source = patch.Source
	}
	t.Updated = now

	if t.Status == StatusCompleted {
		m.scheduleRemovalLocked(id)
	}
	m.persistLocked()
	m.notifyLocked(t.Clone())
	return t.Clone(), nil
}

// Remove stops tracking the task. Callers removing a task that is still
// mid-flight are assumed to mean it (user-initiated dismissal).
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return
	}
	delete(m.tasks, id)
	if timer, ok := m.removals[id]; ok {
		timer.Stop()
		delete(m.removals, id)
	}
	m.persistLocked()
}

func (m *Manager) Get(id string) (TaskState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return TaskState{}, ErrNotTracked
	}
	return t.Clone(), nil
}

func (m *Manager) Tracked(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tasks[id]
	return ok
}

func (m *Manager) SnapshotAll() []TaskState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(func(TaskState) bool { return true })
}

func (m *Manager) SnapshotActive() []TaskState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked(func(t TaskState) bool { return t.Status.Active() })
}

func (m *Manager) snapshotLocked(keep func(TaskState) bool) []TaskState {
	out := make([]TaskState, 0, len(m.tasks))
	for _, t := range m.tasks {
		c := t.Clone()
		if keep(c) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Started.After(out[j].Started)
	})
	return out
}

// Watch subscribes to task-state changes. The channel is buffered and
// lagging watchers miss updates rather than block the store.
func (m *Manager) Watch() (<-chan TaskState, func()) {
	ch := make(chan TaskState, 64)
	m.mu.Lock()
	m.nextWatchID++
	id := m.nextWatchID
	m.watchers[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.watchers[id]; ok {
			delete(m.watchers, id)
			close(c)
		}
	}
}

// Restore loads the persisted task map. Entries whose started timestamp is
// older than the retention window are dropped, not resurrected.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	raw, err := m.store.Get(ctx, storage.KeyActiveTasks)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("restore tasks: %w", err)
	}

	var persisted map[string]TaskState
	if err := json.Unmarshal(raw, &persisted); err != nil {
		return fmt.Errorf("restore tasks: %w", err)
	}

	cutoff := time.Now().UTC().Add(-m.cfg.RestoreMaxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range persisted {
		if t.Started.Before(cutoff) {
			continue
		}
		c := t.Clone()
		c.ID = id
		m.tasks[id] = &c
		if c.Status == StatusCompleted {
			m.scheduleRemovalLocked(id)
		}
	}
	m.persistLocked()
	return nil
}

// StartJanitor marks processing tasks that received no update within the
// configured stale timeout as errored. No-op unless StaleTimeout is set.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if m.cfg.StaleTimeout <= 0 {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireStale()
			}
		}
	}()
}

func (m *Manager) expireStale() {
	cutoff := time.Now().UTC().Add(-m.cfg.StaleTimeout)
	var stale []string
	m.mu.RLock()
	for id, t := range m.tasks {
		if t.Status == StatusProcessing && t.Updated.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		errMsg := "no status update received; task presumed lost"
		_, _ = m.ApplyUpdate(id, Update{
			Status: StatusError,
			Error:  &errMsg,
		})
		log.WithField("task_id", id).Warn("stale task marked as error")
	}
}

func (m *Manager) scheduleRemovalLocked(id string) {
	if _, ok := m.removals[id]; ok {
		return
	}
	m.removals[id] = time.AfterFunc(m.cfg.CompletedRetention, func() {
		m.mu.Lock()
		delete(m.removals, id)
		m.mu.Unlock()
		m.Remove(id)
	})
}

// persistLocked serializes the full map after every mutation so a reload
// never observes a partial snapshot.
func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	snapshot := make(map[string]TaskState, len(m.tasks))
	for id, t := range m.tasks {
		snapshot[id] = t.Clone()
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		log.WithError(err).Error("serialize task map failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.store.Set(ctx, storage.KeyActiveTasks, raw); err != nil {
		log.WithError(err).Error("persist task map failed")
	}
}

func (m *Manager) notifyLocked(state TaskState) {
	for _, ch := range m.watchers {
		select {
		case ch <- state:
		default:
		}
	}
}

func mergeMetadata(t *TaskState, patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	if t.Metadata == nil {
		t.Metadata = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		t.Metadata[k] = v
	}
}
