package transport

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/mehedi37/tasksync/internal/dispatch"
	"github.com/mehedi37/tasksync/internal/observability"
	"github.com/mehedi37/tasksync/internal/tasks"
)

const connectAttemptTimeout = 10 * time.Second

// ChannelFactory builds a fresh channel for each connection attempt. The
// factory closes over the client identity so the manager stays free of
// ambient state.
type ChannelFactory func() (Channel, error)

type ManagerConfig struct {
	// AutoReconnect re-opens the channel after unexpected closes. Intentional
	// Disconnect always suppresses it.
	AutoReconnect bool
	// ReconnectDelay is the base delay before the first reconnect attempt.
	ReconnectDelay time.Duration
	// ReconnectMaxDelay caps the exponential backoff.
	ReconnectMaxDelay time.Duration
}

// Manager owns at most one live channel at a time and hides reconnect
// complexity from consumers. Every inbound envelope is forwarded to the
// dispatcher; connection state is observable via State and the metrics gauge.
type Manager struct {
	cfg        ManagerConfig
	factory    ChannelFactory
	dispatcher *dispatch.Dispatcher
	metrics    *observability.Metrics

	mu          sync.Mutex
	state       State
	channel     Channel
	intentional bool
	attempts    int
	timer       *time.Timer
}

func NewManager(factory ChannelFactory, dispatcher *dispatch.Dispatcher, metrics *observability.Metrics, cfg ManagerConfig) *Manager {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	return &Manager{
		cfg:        cfg,
		factory:    factory,
		dispatcher: dispatcher,
		metrics:    metrics,
		state:      StateIdle,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the channel. Idempotent: resolves immediately while already
// open or while another attempt is in flight. When a reconnect is pending,
// the timer is cancelled and the attempt runs now instead. A failed attempt
// is returned to the caller and, with AutoReconnect set, also schedules the
// reconnect loop.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateOpen, StateConnecting:
		m.mu.Unlock()
		return nil
	case StateReconnecting:
		if m.timer != nil {
			m.timer.Stop()
			m.timer = nil
		}
	}
	m.intentional = false
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	err := m.openOnce(ctx)
	if err != nil && m.cfg.AutoReconnect {
		m.mu.Lock()
		if !m.intentional && m.state == StateIdle {
			m.attempts++
			delay := reconnectDelay(m.attempts, m.cfg.ReconnectDelay, m.cfg.ReconnectMaxDelay)
			m.setStateLocked(StateReconnecting)
			m.timer = time.AfterFunc(delay, m.reconnect)
		}
		m.mu.Unlock()
	}
	return err
}

func (m *Manager) openOnce(ctx context.Context) error {
	ch, err := m.factory()
	if err == nil {
		err = ch.Open(ctx)
	}

	m.mu.Lock()
	if m.intentional {
		m.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		return nil
	}
	if err != nil {
		m.setStateLocked(StateIdle)
		m.mu.Unlock()
		return err
	}
	if m.state == StateOpen && m.channel != nil {
		// A racing attempt already installed a channel.
		m.mu.Unlock()
		_ = ch.Close()
		return nil
	}

	m.channel = ch
	m.attempts = 0
	m.setStateLocked(StateOpen)
	m.mu.Unlock()

	go m.pump(ch)
	m.dispatch(tasks.Envelope{Type: tasks.EventConnected, Timestamp: time.Now().UTC()})
	return nil
}

// Disconnect marks the close as intentional, closes the channel, and clears
// all registered listeners.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.intentional = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	ch := m.channel
	m.channel = nil
	m.setStateLocked(StateClosed)
	m.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}
	if m.dispatcher != nil {
		m.dispatcher.Reset()
	}
}

func (m *Manager) pump(ch Channel) {
	events := ch.Events()
	errs := ch.Errors()
	for {
		select {
		case env, ok := <-events:
			if !ok {
				m.handleClose(ch, nil)
				return
			}
			m.dispatch(env)
		case err := <-errs:
			m.handleClose(ch, err)
			return
		}
	}
}

func (m *Manager) dispatch(env tasks.Envelope) {
	if m.metrics != nil {
		m.metrics.DispatchedEnvelopes.WithLabelValues(string(env.Type)).Inc()
	}
	if m.dispatcher != nil {
		m.dispatcher.Dispatch(env)
	}
}

func (m *Manager) handleClose(ch Channel, cause error) {
	_ = ch.Close()

	m.mu.Lock()
	if m.channel != ch {
		// A newer channel already replaced this one.
		m.mu.Unlock()
		return
	}
	m.channel = nil
	if m.intentional || !m.cfg.AutoReconnect {
		m.setStateLocked(StateClosed)
		m.mu.Unlock()
		return
	}

	m.attempts++
	attempt := m.attempts
	delay := reconnectDelay(attempt, m.cfg.ReconnectDelay, m.cfg.ReconnectMaxDelay)
	m.setStateLocked(StateReconnecting)
	m.timer = time.AfterFunc(delay, m.reconnect)
	m.mu.Unlock()

	if cause != nil {
		log.WithError(cause).WithFields(log.Fields{
			"attempt": attempt,
			"delay":   delay,
		}).Warn("realtime channel closed unexpectedly; reconnect scheduled")
	}
	if m.metrics != nil {
		m.metrics.Reconnects.Inc()
	}
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	if m.intentional {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), connectAttemptTimeout)
	defer cancel()
	if err := m.openOnce(ctx); err != nil {
		m.mu.Lock()
		if m.intentional {
			m.mu.Unlock()
			return
		}
		m.attempts++
		delay := reconnectDelay(m.attempts, m.cfg.ReconnectDelay, m.cfg.ReconnectMaxDelay)
		m.setStateLocked(StateReconnecting)
		m.timer = time.AfterFunc(delay, m.reconnect)
		m.mu.Unlock()

		log.WithError(err).Warn("reconnect attempt failed")
		if m.metrics != nil {
			m.metrics.Reconnects.Inc()
		}
	}
}

// Send forwards an envelope over the current channel when it supports
// outbound traffic. Fails fast while disconnected.
func (m *Manager) Send(env tasks.Envelope) error {
	m.mu.Lock()
	ch := m.channel
	open := m.state == StateOpen
	m.mu.Unlock()
	if !open || ch == nil {
		return ErrSendClosed
	}
	sender, ok := ch.(Sender)
	if !ok {
		return ErrSendClosed
	}
	return sender.Send(env)
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	if m.metrics != nil {
		m.metrics.ConnectionState.Set(s.gaugeValue())
	}
}
