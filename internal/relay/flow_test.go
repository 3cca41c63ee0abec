package relay

import (
	"math/rand"
	"testing"
)

type countingPauser struct {
	paused  bool
	pauses  int
	resumes int
}

func (p *countingPauser) Pause()  { p.paused = true; p.pauses++ }
func (p *countingPauser) Resume() { p.paused = false; p.resumes++ }

func TestGovernor_PausesAboveHigh(t *testing.T) {
	target := &countingPauser{}
	g := NewGovernor(target, 100000, 10000)

	g.Produced(60000)
	if target.paused {
		t.Fatal("paused too early")
	}
	g.Produced(40000)
	if target.paused {
		t.Fatal("exactly at the high watermark must not pause")
	}
	g.Produced(1)
	if !target.paused || !g.Paused() {
		t.Fatal("expected pause after crossing the high watermark")
	}
	g.Produced(5000)
	if target.pauses != 1 {
		t.Fatalf("expected a single Pause call, got %d", target.pauses)
	}
}

func TestGovernor_ResumesBelowLow(t *testing.T) {
	target := &countingPauser{}
	g := NewGovernor(target, 100000, 10000)

	g.Produced(100500)
	if !target.paused {
		t.Fatal("expected pause")
	}

	g.Ack(95000)
	if g.Outstanding() != 5500 {
		t.Fatalf("expected watermark 5500, got %d", g.Outstanding())
	}
	if target.paused || g.Paused() {
		t.Fatal("expected resume below the low watermark")
	}
	if target.resumes != 1 {
		t.Fatalf("expected one Resume call, got %d", target.resumes)
	}
}

func TestGovernor_StaysPausedBetweenThresholds(t *testing.T) {
	target := &countingPauser{}
	g := NewGovernor(target, 100000, 10000)

	g.Produced(120000)
	g.Ack(95000) // 25000 left, still above low
	if !target.paused {
		t.Fatal("expected to remain paused above the low watermark")
	}
	g.Ack(15001)
	if target.paused {
		t.Fatal("expected resume once below the low watermark")
	}
}

func TestGovernor_AckFloorsAtZero(t *testing.T) {
	g := NewGovernor(&countingPauser{}, 100, 10)
	g.Produced(5)
	g.Ack(500)
	if g.Outstanding() != 0 {
		t.Fatalf("expected floor at 0, got %d", g.Outstanding())
	}
	g.Ack(-20)
	g.Produced(-20)
	if g.Outstanding() != 0 {
		t.Fatalf("negative counts must be ignored, got %d", g.Outstanding())
	}
}

func TestGovernor_OnChangeCallback(t *testing.T) {
	g := NewGovernor(&countingPauser{}, 100, 10)
	var events []bool
	g.OnChange(func(paused bool) { events = append(events, paused) })

	g.Produced(101)
	g.Ack(100)
	if len(events) != 2 || events[0] != true || events[1] != false {
		t.Fatalf("unexpected change events: %v", events)
	}
}

// For any sequence of output and acks the watermark stays non-negative and the
// paused flag follows the high/low hysteresis.
func TestGovernor_HysteresisProperty(t *testing.T) {
	const high, low = 1000, 100
	rng := rand.New(rand.NewSource(7))
	target := &countingPauser{}
	g := NewGovernor(target, high, low)

	model := 0
	modelPaused := false
	for i := 0; i < 5000; i++ {
		n := rng.Intn(400)
		if rng.Intn(2) == 0 {
			g.Produced(n)
			if n > 0 {
				model += n
				if !modelPaused && model > high {
					modelPaused = true
				}
			}
		} else {
			g.Ack(n)
			if n > 0 {
				model -= n
				if model < 0 {
					model = 0
				}
				if modelPaused && model < low {
					modelPaused = false
				}
			}
		}

		if g.Outstanding() < 0 {
			t.Fatalf("step %d: negative watermark", i)
		}
		if g.Outstanding() != model {
			t.Fatalf("step %d: watermark %d, model %d", i, g.Outstanding(), model)
		}
		if g.Paused() != modelPaused || target.paused != modelPaused {
			t.Fatalf("step %d: paused=%v target=%v model=%v", i, g.Paused(), target.paused, modelPaused)
		}
	}
}

func TestNewGovernor_Defaults(t *testing.T) {
	g := NewGovernor(&countingPauser{}, 0, 0)
	if g.high != DefaultHighWatermark || g.low != DefaultLowWatermark {
		t.Fatalf("unexpected defaults: high=%d low=%d", g.high, g.low)
	}
	g = NewGovernor(&countingPauser{}, 50, 80)
	if g.low >= g.high {
		t.Fatalf("low %d must stay below high %d", g.low, g.high)
	}
}
