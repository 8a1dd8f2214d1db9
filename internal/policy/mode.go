package policy

import (
	"fmt"
	"strings"
)

// Mode is the autonomy level a session runs under.
type Mode string

const (
	ModeReadOnly   Mode = "readonly"
	ModeSupervised Mode = "supervised"
	ModeFull       Mode = "full"
)

// ParseMode accepts the configured spellings of a mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "readonly", "read_only", "read-only":
		return ModeReadOnly, nil
	case "supervised":
		return ModeSupervised, nil
	case "full":
		return ModeFull, nil
	}
	return "", fmt.Errorf("unknown autonomy mode %q (want readonly, supervised or full)", s)
}

func (m Mode) String() string { return string(m) }

func (m Mode) rank() int {
	switch m {
	case ModeSupervised:
		return 1
	case ModeFull:
		return 2
	}
	return 0
}

// Restrict returns requested when it grants no more autonomy than m, and m
// otherwise. An empty request leaves m unchanged.
func (m Mode) Restrict(requested Mode) Mode {
	if requested == "" || requested.rank() > m.rank() {
		return m
	}
	return requested
}
