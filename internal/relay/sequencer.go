package relay

import (
	"fmt"
	"io"
	"sync"
)

// AttachSequencer delays attaching a bare shell to a persistent tmux session
// until the client's real geometry is known. Output stays suppressed until the
// attach command has been written.
type AttachSequencer struct {
	command string

	mu       sync.Mutex
	attached bool
}

// NewAttachSequencer returns a sequencer that writes command on first resize.
func NewAttachSequencer(command string) *AttachSequencer {
	return &AttachSequencer{command: command}
}

// TmuxAttachCommand builds the command that replaces the bare shell with a tmux
// client. new-session -A attaches when target exists and creates it otherwise.
func TmuxAttachCommand(target string) string {
	return fmt.Sprintf("stty -echo && exec tmux new-session -A -s %s\r", target)
}

// TmuxTarget maps a terminal name onto a tmux session name.
func TmuxTarget(base, terminal, defaultTerminal string) string {
	if terminal == defaultTerminal {
		return base
	}
	return base + "-" + terminal
}

// Attached reports whether the attach command has been issued.
func (a *AttachSequencer) Attached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attached
}

// OnResize issues the attach command the first time it is called. Later calls
// are no-ops. It reports whether this call performed the attach.
func (a *AttachSequencer) OnResize(w io.Writer) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.attached {
		return false, nil
	}
	a.attached = true
	if _, err := io.WriteString(w, a.command); err != nil {
		return true, fmt.Errorf("write attach command: %w", err)
	}
	return true, nil
}
