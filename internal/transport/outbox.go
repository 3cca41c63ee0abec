// Package transport binds websocket connections to relay sessions. Two wire
// protocols are supported: a JSON event channel with acknowledgments and a
// raw byte socket.
package transport

import (
	"log/slog"
	"sync"
	"time"

	"github.com/workspace/term-relay/internal/metrics"
	"github.com/workspace/term-relay/internal/relay"
	"golang.org/x/time/rate"
)

// Defaults applied when Options fields are zero.
const (
	DefaultOutboxSize   = 1024
	DefaultWriteTimeout = 10 * time.Second
	DefaultReadLimit    = 1 << 20
	DefaultRateLimit    = 200
	DefaultRateBurst    = 200
)

// Target is the session surface a connection drives with client messages.
type Target interface {
	Input(p []byte) (int, error)
	Resize(cols, rows int) error
	Ack(n int)
}

// Options configures a transport connection.
type Options struct {
	ID        string
	Principal string
	// OutboxSize bounds frames queued for a client. A client that lets the
	// queue fill is disconnected.
	OutboxSize   int
	WriteTimeout time.Duration
	ReadLimit    int64
	// RateLimit and RateBurst throttle inbound messages; excess messages are dropped.
	RateLimit float64
	RateBurst int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.OutboxSize <= 0 {
		o.OutboxSize = DefaultOutboxSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.RateLimit <= 0 {
		o.RateLimit = DefaultRateLimit
	}
	if o.RateBurst <= 0 {
		o.RateBurst = DefaultRateBurst
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// frame is one queued server-to-client message.
type frame struct {
	data []byte
	exit bool
	code int
}

// outbox implements the non-blocking half of relay.Conn shared by both
// transports. Frames are drained by the connection's write loop.
type outbox struct {
	id        string
	kind      relay.Kind
	principal string

	frames chan frame
	done   chan struct{}
	once   sync.Once

	metrics *metrics.Metrics
	logger  *slog.Logger
}

func newOutbox(kind relay.Kind, opts Options) *outbox {
	return &outbox{
		id:        opts.ID,
		kind:      kind,
		principal: opts.Principal,
		frames:    make(chan frame, opts.OutboxSize),
		done:      make(chan struct{}),
		metrics:   opts.Metrics,
		logger:    opts.Logger.With("conn", opts.ID, "transport", string(kind)),
	}
}

func (o *outbox) ID() string        { return o.id }
func (o *outbox) Kind() relay.Kind  { return o.kind }
func (o *outbox) Principal() string { return o.principal }

// Send queues terminal output without blocking.
func (o *outbox) Send(data []byte) {
	o.enqueue(frame{data: data})
}

// NotifyExit queues the exit notification without blocking.
func (o *outbox) NotifyExit(code int) {
	o.enqueue(frame{exit: true, code: code})
}

func (o *outbox) enqueue(f frame) {
	select {
	case <-o.done:
		return
	default:
	}
	select {
	case o.frames <- f:
	default:
		o.metrics.SlowConsumer(string(o.kind))
		o.logger.Warn("Client outbox full, disconnecting", "queued", len(o.frames))
		o.shutdown()
	}
}

// shutdown signals the write loop to close the connection.
func (o *outbox) shutdown() {
	o.once.Do(func() { close(o.done) })
}

func newLimiter(opts Options) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
}
