package harvester

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Limit is one end-of-travel switch.
type Limit int

const (
	LimitNone Limit = iota
	LimitHLeft
	LimitHRight
	LimitVUp
	LimitVDown
)

func (l Limit) String() string {
	switch l {
	case LimitHLeft:
		return "H_LEFT"
	case LimitHRight:
		return "H_RIGHT"
	case LimitVUp:
		return "V_UP"
	case LimitVDown:
		return "V_DOWN"
	default:
		return "NONE"
	}
}

// shortKey is the abbreviated name some firmware builds report.
func (l Limit) shortKey() string {
	switch l {
	case LimitHLeft:
		return "H_L"
	case LimitHRight:
		return "H_R"
	case LimitVUp:
		return "V_U"
	case LimitVDown:
		return "V_D"
	default:
		return ""
	}
}

func (l Limit) triggerTag() string {
	return "LIMIT_" + l.String() + "_TRIGGERED"
}

var allLimits = []Limit{LimitHLeft, LimitHRight, LimitVUp, LimitVDown}

// ParseLimit accepts the long names used on the wire and in commands.
func ParseLimit(s string) (Limit, error) {
	for _, l := range allLimits {
		if strings.EqualFold(s, l.String()) || strings.EqualFold(s, l.shortKey()) {
			return l, nil
		}
	}
	return LimitNone, errors.Errorf("unknown limit %q", s)
}

func parseTriggeredLimit(line string) (Limit, error) {
	for _, l := range allLimits {
		if strings.Contains(line, l.triggerTag()) {
			return l, nil
		}
	}
	return LimitNone, errors.Errorf("unrecognized limit trigger %q", line)
}

// LimitStatus is the last known level of every limit switch.
type LimitStatus struct {
	HLeft      bool      `json:"H_LEFT"`
	HRight     bool      `json:"H_RIGHT"`
	VUp        bool      `json:"V_UP"`
	VDown      bool      `json:"V_DOWN"`
	LastUpdate time.Time `json:"last_update"`
}

// Get returns the recorded level of one switch.
func (s LimitStatus) Get(l Limit) bool {
	switch l {
	case LimitHLeft:
		return s.HLeft
	case LimitHRight:
		return s.HRight
	case LimitVUp:
		return s.VUp
	case LimitVDown:
		return s.VDown
	default:
		return false
	}
}

func (s *LimitStatus) set(l Limit, v bool) {
	switch l {
	case LimitHLeft:
		s.HLeft = v
	case LimitHRight:
		s.HRight = v
	case LimitVUp:
		s.VUp = v
	case LimitVDown:
		s.VDown = v
	}
}

// Active lists the asserted switches in a fixed order.
func (s LimitStatus) Active() []Limit {
	var out []Limit
	for _, l := range allLimits {
		if s.Get(l) {
			out = append(out, l)
		}
	}
	return out
}

// Any reports whether at least one switch is asserted.
func (s LimitStatus) Any() bool {
	return len(s.Active()) > 0
}

// updateFromResponse replaces every level from a limit-status reply. Each key
// is asserted when any of its accepted tokens is present.
func (s *LimitStatus) updateFromResponse(resp string, now time.Time) {
	low := strings.ToLower(resp)
	for _, l := range allLimits {
		s.set(l, hasTrueToken(low, l.String()) || hasTrueToken(low, l.shortKey()))
	}
	s.LastUpdate = now
}

func hasTrueToken(low, key string) bool {
	key = strings.ToLower(key)
	for _, sep := range []string{"=", ":"} {
		for _, val := range []string{"1", "true", "on"} {
			if tokenPresent(low, key+sep+val) {
				return true
			}
		}
	}
	return false
}

// tokenPresent matches tok only when it is not part of a longer key, so
// "h_l=1" is not found inside "h_left=1" nor "h_l=1" inside "xh_l=10".
func tokenPresent(s, tok string) bool {
	for start := 0; ; {
		i := strings.Index(s[start:], tok)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(tok)
		before := i == 0 || !isKeyChar(s[i-1])
		after := end == len(s) || !isValueChar(s[end])
		if before && after {
			return true
		}
		start = i + 1
	}
}

func isKeyChar(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

func isValueChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}
