package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/workspace/term-relay/internal/relay"
)

// Event types carried by the event channel.
const (
	EventData   = "data"
	EventResize = "resize"
	EventAck    = "ack"
	EventExit   = "exit"
)

var errSlowConsumer = errors.New("client outbox overflow")

// Message is the event channel envelope. Data holds a string for data events,
// ResizeData for resize events and a byte count or exit code otherwise.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ResizeData is the payload of a resize event.
type ResizeData struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type outboundMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// EventConn is an event-channel connection. Output is acknowledged by the
// client with ack events, which drive the session's flow control.
type EventConn struct {
	*outbox
	ws   *websocket.Conn
	opts Options
}

// NewEventConn wraps an accepted websocket.
func NewEventConn(ws *websocket.Conn, opts Options) *EventConn {
	opts = opts.withDefaults()
	return &EventConn{
		outbox: newOutbox(relay.KindEvents, opts),
		ws:     ws,
		opts:   opts,
	}
}

// Serve relays events until the client disconnects, ctx is cancelled or the
// client stops draining output. Client events are applied to target. The
// connection stays open after the shell exits.
func (c *EventConn) Serve(ctx context.Context, target Target) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ws.SetReadLimit(c.opts.ReadLimit)

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- c.writeLoop(ctx)
		cancel()
	}()

	err := c.readLoop(ctx, target)
	cancel()
	if werr := <-writeErr; werr != nil {
		return werr
	}
	return err
}

func (c *EventConn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			_ = c.ws.Close(websocket.StatusPolicyViolation, "client too slow")
			return errSlowConsumer
		case f := <-c.frames:
			if err := c.write(ctx, f); err != nil {
				return err
			}
		}
	}
}

func (c *EventConn) write(ctx context.Context, f frame) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.WriteTimeout)
	defer cancel()

	msg := outboundMessage{Type: EventData, Data: string(f.data)}
	if f.exit {
		msg = outboundMessage{Type: EventExit, Data: f.code}
	}
	return wsjson.Write(ctx, c.ws, msg)
}

func (c *EventConn) readLoop(ctx context.Context, target Target) error {
	limiter := newLimiter(c.opts)
	for {
		_, payload, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || isNormalClose(err) {
				return nil
			}
			return err
		}

		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Debug("Ignoring malformed event", "error", err)
			continue
		}

		// Acks are never dropped; losing one would leave the session paused.
		if msg.Type == EventAck {
			var n int
			if err := json.Unmarshal(msg.Data, &n); err == nil && n > 0 {
				target.Ack(n)
			}
			continue
		}

		if !limiter.Allow() {
			c.logger.Debug("Dropping rate-limited input", "conn", c.id, "type", msg.Type)
			continue
		}

		switch msg.Type {
		case EventData:
			var data string
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				continue
			}
			if _, err := target.Input([]byte(data)); err != nil && !errors.Is(err, relay.ErrSessionClosed) {
				c.logger.Warn("Terminal input failed", "error", err)
			}
		case EventResize:
			var size ResizeData
			if err := json.Unmarshal(msg.Data, &size); err != nil || size.Cols <= 0 || size.Rows <= 0 {
				continue
			}
			if err := target.Resize(size.Cols, size.Rows); err != nil && !errors.Is(err, relay.ErrSessionClosed) {
				c.logger.Warn("Terminal resize failed", "error", err)
			}
		default:
			c.logger.Debug("Ignoring unknown event", "type", msg.Type)
		}
	}
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
