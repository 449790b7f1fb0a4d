// Package client connects a signaling.Agent to the relay over WebSocket.
//
//	conn, err := client.Dial(ctx, client.Options{URL: "ws://relay:9090/ws", Token: jwt})
//	agent, _ := signaling.NewAgent(signaling.AgentParams{
//		ParticipantID: conn.Ready().ParticipantID,
//		Transport:     conn,
//		Media:         factory.New,
//		Config:        conn.PolicyConfig(),
//	})
//	conn.OnSignal(func(env signaling.Envelope) { _ = agent.HandleEnvelope(ctx, env) })
//	conn.OnSignalError(func(d ws.SignalErrorData) { _ = agent.HandleRefusal(ctx, d.Refusal()) })
//	go conn.Run(ctx)
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/akinalp/carecall/signaling"
	"github.com/akinalp/carecall/ws"
)

const (
	defaultHeartbeat = 30 * time.Second
	writeWait        = 10 * time.Second
	readyWait        = 10 * time.Second
)

// ErrClosed is returned by Send after the connection has closed.
var ErrClosed = errors.New("client: connection closed")

// Options configure Dial.
type Options struct {
	// URL is the relay's WebSocket endpoint, e.g. ws://localhost:9090/ws.
	URL   string
	Token string
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// HeartbeatInterval defaults to 30s.
	HeartbeatInterval time.Duration
	Logger            *zerolog.Logger
}

// Conn is one authenticated connection to the relay. It implements
// signaling.Transport. Inbound signals are handed to the OnSignal handler
// on the read goroutine, in the order the relay sent them.
type Conn struct {
	ws        *websocket.Conn
	ready     ws.ReadyData
	heartbeat time.Duration
	log       zerolog.Logger

	writeMu sync.Mutex

	handlerMu     sync.RWMutex
	onSignal      func(signaling.Envelope)
	onSignalError func(ws.SignalErrorData)

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects, authenticates with opts.Token and waits for the relay's
// ready event.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	q := u.Query()
	q.Set("token", opts.Token)
	u.RawQuery = q.Encode()

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	heartbeat := opts.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}

	wsConn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("relay refused connection (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Conn{
		ws:        wsConn,
		heartbeat: heartbeat,
		log:       log.With().Str("component", "client").Logger(),
		done:      make(chan struct{}),
	}

	ready, err := c.awaitReady()
	if err != nil {
		wsConn.Close()
		return nil, err
	}
	c.ready = ready
	c.log = c.log.With().Str("participant", ready.ParticipantID).Logger()
	c.log.Debug().Msg("connected to relay")
	return c, nil
}

func (c *Conn) awaitReady() (ws.ReadyData, error) {
	var ready ws.ReadyData
	if err := c.ws.SetReadDeadline(time.Now().Add(readyWait)); err != nil {
		return ready, err
	}

	var ev ws.RawEvent
	if err := c.ws.ReadJSON(&ev); err != nil {
		return ready, fmt.Errorf("waiting for ready: %w", err)
	}
	if ev.Op != ws.OpReady {
		return ready, fmt.Errorf("expected ready, got %q", ev.Op)
	}
	if err := json.Unmarshal(ev.Data, &ready); err != nil {
		return ready, fmt.Errorf("decode ready: %w", err)
	}
	return ready, c.ws.SetReadDeadline(time.Time{})
}

// Ready returns what the relay announced at connect.
func (c *Conn) Ready() ws.ReadyData { return c.ready }

// PolicyConfig turns the relay's call policy into a signaling.Config, so
// both ends of a call time out alike.
func (c *Conn) PolicyConfig() signaling.Config {
	p := c.ready.Policy
	return signaling.Config{
		RingTimeout:      time.Duration(p.RingTimeoutMS) * time.Millisecond,
		ConnectTimeout:   time.Duration(p.ConnectTimeoutMS) * time.Millisecond,
		ReconnectTimeout: time.Duration(p.ReconnectTimeoutMS) * time.Millisecond,
		GracePeriod:      time.Duration(p.GracePeriodMS) * time.Millisecond,
	}
}

// OnSignal sets the handler for inbound envelopes. It runs on the read
// goroutine and may call Send.
func (c *Conn) OnSignal(fn func(signaling.Envelope)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onSignal = fn
}

// OnSignalError sets the handler for envelopes the relay refused.
func (c *Conn) OnSignalError(fn func(ws.SignalErrorData)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onSignalError = fn
}

// Send implements signaling.Transport.
func (c *Conn) Send(ctx context.Context, env signaling.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.write(ctx, ws.Event{Op: ws.OpSignal, Data: env})
}

func (c *Conn) write(ctx context.Context, ev ws.Event) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := c.ws.WriteJSON(ev); err != nil {
		return fmt.Errorf("write %s: %w", ev.Op, err)
	}
	return nil
}

// Run reads from the relay and sends heartbeats until ctx is done or the
// connection fails. The connection is closed when Run returns.
func (c *Conn) Run(ctx context.Context) error {
	defer c.Close()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop() }()

	ticker := time.NewTicker(c.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			if err := c.write(ctx, ws.Event{Op: ws.OpHeartbeat}); err != nil {
				return err
			}
		}
	}
}

func (c *Conn) readLoop() error {
	for {
		var ev ws.RawEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(ev)
	}
}

func (c *Conn) dispatch(ev ws.RawEvent) {
	c.handlerMu.RLock()
	onSignal, onSignalError := c.onSignal, c.onSignalError
	c.handlerMu.RUnlock()

	switch ev.Op {
	case ws.OpSignal:
		var env signaling.Envelope
		if err := json.Unmarshal(ev.Data, &env); err != nil {
			c.log.Warn().Err(err).Msg("undecodable signal from relay")
			return
		}
		if onSignal != nil {
			onSignal(env)
		}

	case ws.OpSignalError:
		var data ws.SignalErrorData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			c.log.Warn().Err(err).Msg("undecodable signal_error from relay")
			return
		}
		c.log.Debug().Str("kind", data.Kind).Str("session", data.SessionID).Str("message", data.Message).Msg("relay refused a signal")
		if onSignalError != nil {
			onSignalError(data)
		}

	case ws.OpHeartbeatAck:
	default:
		c.log.Debug().Str("op", ev.Op).Msg("ignoring event")
	}
}

// Close sends a close frame and closes the connection. Later calls are no-ops.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()

		err = c.ws.Close()
	})
	return err
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }
