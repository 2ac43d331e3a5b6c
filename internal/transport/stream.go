package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/mehedi37/tasksync/internal/observability"
	"github.com/mehedi37/tasksync/internal/tasks"
)

// StreamOpener hands the channel a long-lived upstream body for one task.
// Satisfied by backend.Client.
type StreamOpener interface {
	OpenStream(ctx context.Context, taskID string) (io.ReadCloser, error)
}

// StreamChannel is the unidirectional server-to-client channel proxying one
// task's updates. When the upstream stream fails it emits a single synthetic
// error envelope and terminates itself; it closes cleanly when the consumer
// cancels the context.
type StreamChannel struct {
	taskID  string
	opener  StreamOpener
	metrics *observability.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	body   io.ReadCloser

	events chan tasks.Envelope
	errs   chan error
}

func NewStreamChannel(opener StreamOpener, taskID string, metrics *observability.Metrics) *StreamChannel {
	return &StreamChannel{
		taskID:  strings.TrimSpace(taskID),
		opener:  opener,
		metrics: metrics,
		events:  make(chan tasks.Envelope, 64),
		errs:    make(chan error, 1),
	}
}

func (c *StreamChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.body != nil {
		return nil
	}

	streamCtx, cancel := context.WithCancel(ctx)
	body, err := c.opener.OpenStream(streamCtx, c.taskID)
	if err != nil {
		cancel()
		return err
	}
	c.cancel = cancel
	c.body = body
	go c.readLoop(streamCtx, body)
	return nil
}

func (c *StreamChannel) readLoop(ctx context.Context, body io.ReadCloser) {
	defer close(c.events)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "" || line[0] != '{' {
			continue
		}

		env, err := tasks.ParseEnvelope([]byte(line))
		if err != nil {
			log.WithError(err).Warn("dropped malformed stream frame")
			if c.metrics != nil {
				c.metrics.DroppedFrames.WithLabelValues("malformed").Inc()
			}
			continue
		}
		if env.TaskID == "" {
			env.TaskID = c.taskID
		}

		select {
		case <-ctx.Done():
			return
		case c.events <- env:
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		// One synthetic error envelope, then the channel is done.
		errMsg := err.Error()
		c.events <- tasks.Envelope{
			Type:   tasks.EventUploadError,
			TaskID: c.taskID,
			Status: tasks.StatusError,
			Error:  errMsg,
		}
		select {
		case c.errs <- err:
		default:
		}
	}
}

func (c *StreamChannel) Events() <-chan tasks.Envelope { return c.events }

func (c *StreamChannel) Errors() <-chan error { return c.errs }

func (c *StreamChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.body == nil {
		return nil
	}
	err := c.body.Close()
	c.body = nil
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
