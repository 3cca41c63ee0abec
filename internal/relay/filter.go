package relay

import "regexp"

// Device Attributes (DA) traffic leaks in both directions when a terminal
// multiplexer queries the browser emulator:
//   - responses echoed back by the shell show up as text like "1;2c" or "?0;276;0c"
//   - the emulator's own replies (ESC[?1;2c, ESC[>0;276;0c) reach the shell as keystrokes
var (
	daOutputPattern = regexp.MustCompile(`\??\d+(?:;\d+)+c`)
	daInputPattern  = regexp.MustCompile(`\x1b\[[?>]?[\d;]*c`)
)

// FilterOutput strips stray DA response fragments from PTY output.
func FilterOutput(p []byte) []byte {
	if !daOutputPattern.Match(p) {
		return p
	}
	return daOutputPattern.ReplaceAll(p, nil)
}

// FilterInput strips DA escape sequences from client input.
func FilterInput(p []byte) []byte {
	if !daInputPattern.Match(p) {
		return p
	}
	return daInputPattern.ReplaceAll(p, nil)
}
