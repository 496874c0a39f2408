package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/pkg/retry"
	"meshcall/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var errNotOpen = errors.New("signaling connection not open")

type ClientConfig struct {
	WriteTimeout   time.Duration
	MaxMessageSize int64
	SendQueueSize  int
	Dial           retry.Config
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendQueueSize:  64,
		Dial:           retry.DefaultConfig(),
	}
}

// Client is the participant side of the signaling protocol. It implements
// ports.SignalingConnection.
type Client struct {
	url    string
	cfg    ClientConfig
	dialer *websocket.Dialer
	logger *zap.SugaredLogger

	events chan domain.Event
	send   chan []byte
	done   chan struct{}

	mu        sync.Mutex
	ws        *websocket.Conn
	closeOnce sync.Once
	writerWG  sync.WaitGroup
}

func NewClient(url string, cfg ClientConfig, logger *zap.SugaredLogger) (*Client, error) {
	if err := validation.ValidateSignalingURL(url); err != nil {
		return nil, err
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 64
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Client{
		url:    url,
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		logger: logger,
		events: make(chan domain.Event, cfg.SendQueueSize),
		send:   make(chan []byte, cfg.SendQueueSize),
		done:   make(chan struct{}),
	}, nil
}

// Open dials the server, retrying transient failures with backoff. A
// rejected handshake is not retried.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.ws != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialCfg := c.cfg.Dial
	dialCfg.NonRetryableErrors = append(dialCfg.NonRetryableErrors, websocket.ErrBadHandshake)

	ws, err := retry.RetryWithResult(ctx, dialCfg, func() (*websocket.Conn, error) {
		ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.logger.Debugw("signaling dial failed", "url", c.url, "error", err)
		}
		return ws, err
	})
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
		ws.Close()
		return domain.ErrSessionClosed
	default:
	}
	c.ws = ws
	if c.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(c.cfg.MaxMessageSize)
	}

	c.writerWG.Add(1)
	go c.writePump(ws)
	go c.readPump(ws)

	c.logger.Infow("signaling connected", "url", c.url)
	return nil
}

func (c *Client) Send(ctx context.Context, ev domain.Event) error {
	c.mu.Lock()
	open := c.ws != nil
	c.mu.Unlock()
	if !open {
		return errNotOpen
	}

	data, err := EncodeEvent(ev)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return domain.ErrSessionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events is closed once the connection is lost or closed.
func (c *Client) Events() <-chan domain.Event {
	return c.events
}

// Close flushes queued frames, sends a close frame and waits for the writer.
// Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}
	c.writerWG.Wait()
	return nil
}

func (c *Client) readPump(ws *websocket.Conn) {
	defer close(c.events)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Infow("signaling connection lost", "error", err)
			}
			return
		}

		ev, err := DecodeServerEvent(raw)
		if err != nil {
			c.logger.Debugw("ignoring undecodable frame", "error", err)
			continue
		}
		select {
		case c.events <- ev:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump(ws *websocket.Conn) {
	defer func() {
		ws.Close()
		c.writerWG.Done()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(ws, websocket.TextMessage, data); err != nil {
				c.logger.Infow("signaling write failed", "error", err)
				return
			}
		case <-c.done:
			// drain what was queued before Close, then say goodbye
			for {
				select {
				case data := <-c.send:
					if err := c.write(ws, websocket.TextMessage, data); err != nil {
						return
					}
				default:
					_ = c.write(ws, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *Client) write(ws *websocket.Conn, messageType int, data []byte) error {
	_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return ws.WriteMessage(messageType, data)
}
