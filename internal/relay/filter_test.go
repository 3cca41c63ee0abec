package relay

import "testing"

func TestFilterOutput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "primary DA fragment", in: "1;2c", want: ""},
		{name: "secondary DA fragment", in: "prompt$ 0;276;0c", want: "prompt$ "},
		{name: "private marker", in: "?1;2cls", want: "ls"},
		{name: "embedded in text", in: "abc62;1;4cdef", want: "abcdef"},
		{name: "single number is kept", in: "12c", want: "12c"},
		{name: "plain text untouched", in: "echo hi\r\nhi\r\n", want: "echo hi\r\nhi\r\n"},
		{name: "color escapes untouched", in: "\x1b[1;32mok\x1b[0m", want: "\x1b[1;32mok\x1b[0m"},
		{name: "empty", in: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(FilterOutput([]byte(tt.in))); got != tt.want {
				t.Errorf("FilterOutput(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestFilterInput(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "DA1 reply", in: "\x1b[?1;2c", want: ""},
		{name: "DA2 reply", in: "\x1b[>0;276;0c", want: ""},
		{name: "bare query", in: "\x1b[c", want: ""},
		{name: "mixed with keystrokes", in: "ls\x1b[?62;22c -la\r", want: "ls -la\r"},
		{name: "arrow keys untouched", in: "\x1b[A\x1b[B", want: "\x1b[A\x1b[B"},
		{name: "plain c untouched", in: "cd /tmp\r", want: "cd /tmp\r"},
		{name: "DA text without escape untouched", in: "1;2c", want: "1;2c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := string(FilterInput([]byte(tt.in))); got != tt.want {
				t.Errorf("FilterInput(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
