package relay

import "sync"

// Default watermark thresholds in bytes.
const (
	DefaultHighWatermark = 100000
	DefaultLowWatermark  = 10000
)

// Pauser is the producer the Governor throttles.
type Pauser interface {
	Pause()
	Resume()
}

// Governor tracks output bytes sent to clients but not yet acknowledged.
// Crossing above the high watermark pauses the producer; acknowledgments that
// bring the count below the low watermark resume it. The count is shared by
// every connection of a session, so the slowest acknowledging client sets
// the pace.
type Governor struct {
	mu          sync.Mutex
	target      Pauser
	high        int
	low         int
	outstanding int
	paused      bool
	onChange    func(paused bool)
}

// NewGovernor creates a governor for target. Non-positive thresholds fall
// back to the defaults.
func NewGovernor(target Pauser, high, low int) *Governor {
	if high <= 0 {
		high = DefaultHighWatermark
	}
	if low <= 0 || low >= high {
		low = DefaultLowWatermark
		if low >= high {
			low = high / 10
		}
	}
	return &Governor{target: target, high: high, low: low}
}

// OnChange registers a callback invoked after every pause or resume.
func (g *Governor) OnChange(fn func(paused bool)) {
	g.mu.Lock()
	g.onChange = fn
	g.mu.Unlock()
}

// Produced records n bytes handed to clients.
func (g *Governor) Produced(n int) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	g.outstanding += n
	trip := !g.paused && g.outstanding > g.high
	if trip {
		g.paused = true
		g.target.Pause()
	}
	fn := g.onChange
	g.mu.Unlock()

	if trip && fn != nil {
		fn(true)
	}
}

// Ack records that a client consumed n bytes.
func (g *Governor) Ack(n int) {
	if n <= 0 {
		return
	}
	g.mu.Lock()
	g.outstanding -= n
	if g.outstanding < 0 {
		g.outstanding = 0
	}
	release := g.paused && g.outstanding < g.low
	if release {
		g.paused = false
		g.target.Resume()
	}
	fn := g.onChange
	g.mu.Unlock()

	if release && fn != nil {
		fn(false)
	}
}

// Outstanding returns the current watermark.
func (g *Governor) Outstanding() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outstanding
}

// Paused reports whether the producer is currently paused.
func (g *Governor) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}
