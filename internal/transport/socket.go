package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/mehedi37/tasksync/internal/observability"
	"github.com/mehedi37/tasksync/internal/tasks"
)

const socketWriteTimeout = 5 * time.Second

// SocketChannel is the persistent bidirectional push channel, addressed at
// {base}/client/{clientID}. Inbound frames are JSON envelopes; outbound sends
// fail fast when the socket is not open; there is no implicit queueing.
type SocketChannel struct {
	url     string
	dialer  websocket.Dialer
	metrics *observability.Metrics

	mu      sync.Mutex
	conn    *websocket.Conn
	open    bool
	writeMu sync.Mutex

	events chan tasks.Envelope
	errs   chan error
}

// NewSocketChannel builds an unopened channel for the given client identity.
// http(s) schemes are accepted and rewritten to ws(s).
func NewSocketChannel(baseURL, clientID string, metrics *observability.Metrics) (*SocketChannel, error) {
	endpoint, err := socketURL(baseURL, clientID)
	if err != nil {
		return nil, err
	}
	return &SocketChannel{
		url: endpoint,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 4 * time.Second,
		},
		metrics: metrics,
		events:  make(chan tasks.Envelope, 256),
		errs:    make(chan error, 1),
	}, nil
}

func socketURL(baseURL, clientID string) (string, error) {
	baseURL = strings.TrimSpace(baseURL)
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return "", fmt.Errorf("client id is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/client/" + clientID
	return u.String(), nil
}

func (c *SocketChannel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open {
		return nil
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("socket dial failed (%s): %w", resp.Status, err)
		}
		return fmt.Errorf("socket dial failed: %w", err)
	}

	c.conn = conn
	c.open = true
	go c.readLoop(conn)
	return nil
}

func (c *SocketChannel) readLoop(conn *websocket.Conn) {
	defer close(c.events)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasOpen := c.open
			c.open = false
			c.mu.Unlock()
			if wasOpen {
				select {
				case c.errs <- err:
				default:
				}
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		env, err := tasks.ParseEnvelope(data)
		if err != nil {
			// Malformed frames are dropped without tearing down the channel.
			log.WithError(err).Warn("dropped malformed socket frame")
			if c.metrics != nil {
				c.metrics.DroppedFrames.WithLabelValues("malformed").Inc()
			}
			continue
		}

		select {
		case c.events <- env:
		default:
			if c.metrics != nil {
				c.metrics.DroppedFrames.WithLabelValues("backpressure").Inc()
			}
		}
	}
}

// Send writes an envelope to the server, stamping the outbound timestamp.
// Fails immediately with ErrSendClosed while disconnected.
func (c *SocketChannel) Send(env tasks.Envelope) error {
	c.mu.Lock()
	conn, open := c.conn, c.open
	c.mu.Unlock()
	if !open || conn == nil {
		return ErrSendClosed
	}

	env.Timestamp = time.Now().UTC()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("socket send: %w", err)
	}
	return nil
}

func (c *SocketChannel) Events() <-chan tasks.Envelope { return c.events }

func (c *SocketChannel) Errors() <-chan error { return c.errs }

func (c *SocketChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.open = false
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
