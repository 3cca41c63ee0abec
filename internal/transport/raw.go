package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/workspace/term-relay/internal/relay"
)

// CloseReasonExited is sent in the close frame when the shell exits.
const CloseReasonExited = "Terminal exited"

// replacementChar stands in for bytes that are not valid UTF-8. Text frames
// must carry valid UTF-8 or browsers fail the connection.
var replacementChar = []byte("\uFFFD")

// RawConn is a raw-socket connection: output goes out as text frames and
// inbound frames are keystrokes unless they parse as a resize directive.
// Raw clients never acknowledge output.
type RawConn struct {
	*outbox
	ws   *websocket.Conn
	opts Options
}

// NewRawConn wraps an upgraded websocket.
func NewRawConn(ws *websocket.Conn, opts Options) *RawConn {
	opts = opts.withDefaults()
	return &RawConn{
		outbox: newOutbox(relay.KindRaw, opts),
		ws:     ws,
		opts:   opts,
	}
}

// Serve relays frames until the client disconnects, ctx is cancelled, the
// shell exits or the client stops draining output.
func (c *RawConn) Serve(ctx context.Context, target Target) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.ws.SetReadLimit(c.opts.ReadLimit)

	writeErr := make(chan error, 1)
	go func() {
		err := c.writeLoop(ctx)
		// Unblocks ReadMessage.
		_ = c.ws.Close()
		writeErr <- err
	}()

	err := c.readLoop(target)
	cancel()
	if werr := <-writeErr; werr != nil {
		return werr
	}
	return err
}

func (c *RawConn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			c.closeWith(websocket.ClosePolicyViolation, "client too slow")
			return errSlowConsumer
		case f := <-c.frames:
			if f.exit {
				c.closeWith(websocket.CloseNormalClosure, CloseReasonExited)
				return nil
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			payload := bytes.ToValidUTF8(f.data, replacementChar)
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return err
			}
		}
	}
}

func (c *RawConn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout)); err != nil {
		c.logger.Debug("Failed to write close frame", "error", err)
	}
}

func (c *RawConn) readLoop(target Target) error {
	limiter := newLimiter(c.opts)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return err
			}
			return nil
		}
		if !limiter.Allow() {
			c.logger.Debug("Dropping rate-limited input", "conn", c.id, "bytes", len(data))
			continue
		}

		if cols, rows, ok := ParseResize(data); ok {
			if err := target.Resize(cols, rows); err != nil && !errors.Is(err, relay.ErrSessionClosed) {
				c.logger.Warn("Terminal resize failed", "error", err)
			}
			continue
		}
		if _, err := target.Input(data); err != nil && !errors.Is(err, relay.ErrSessionClosed) {
			c.logger.Warn("Terminal input failed", "error", err)
		}
	}
}

type resizeDirective struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

// ParseResize recognises the raw socket's resize directive,
// {"type":"resize","cols":N,"rows":M} with positive dimensions. Anything else
// is not a directive and should be written to the terminal verbatim.
func ParseResize(data []byte) (cols, rows int, ok bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return 0, 0, false
	}
	var d resizeDirective
	if err := json.Unmarshal(trimmed, &d); err != nil {
		return 0, 0, false
	}
	if d.Type != "resize" || d.Cols <= 0 || d.Rows <= 0 {
		return 0, 0, false
	}
	return d.Cols, d.Rows, true
}
