package harvester

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// Snapshot is a position the firmware sampled during a move. ID is -1 for
// flags that carry no numeric id.
type Snapshot struct {
	Flag string  `json:"flag"`
	ID   int     `json:"id"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// ParseSnapshots parses a flag=x,y;flag=x,y payload. Entries that cannot be
// parsed are skipped; an error is returned only when nothing was usable.
func ParseSnapshots(payload string) ([]Snapshot, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, nil
	}
	var out []Snapshot
	for _, part := range strings.Split(payload, ";") {
		flag, coords, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		x, y, err := parseFloatPair(coords)
		if err != nil {
			continue
		}
		flag = strings.TrimSpace(flag)
		out = append(out, Snapshot{Flag: flag, ID: snapshotID(flag), X: x, Y: y})
	}
	if len(out) == 0 {
		return nil, errors.Errorf("no valid snapshots in %q", payload)
	}
	return out, nil
}

// snapshotID extracts the digits of an S-prefixed flag: "S12" is 12.
func snapshotID(flag string) int {
	if flag == "" || (flag[0] != 'S' && flag[0] != 's') {
		return -1
	}
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, flag[1:])
	id, err := strconv.Atoi(digits)
	if err != nil {
		return -1
	}
	return id
}

// snapshotBuffer accumulates the snapshots of the move in flight in arrival
// order. Numbered snapshots are deduplicated by id; unnumbered ones are
// dropped only when they repeat the previous unnumbered point.
type snapshotBuffer struct {
	seen  map[int]bool
	items []Snapshot
	last  *Snapshot
}

func newSnapshotBuffer() *snapshotBuffer {
	return &snapshotBuffer{seen: make(map[int]bool)}
}

func (b *snapshotBuffer) add(snaps []Snapshot) {
	for _, s := range snaps {
		if s.ID >= 0 {
			if b.seen[s.ID] {
				continue
			}
			b.seen[s.ID] = true
			b.items = append(b.items, s)
			continue
		}
		if b.last != nil && b.last.X == s.X && b.last.Y == s.Y {
			continue
		}
		plain := s
		b.last = &plain
		b.items = append(b.items, s)
	}
}

func (b *snapshotBuffer) list() []Snapshot {
	return append([]Snapshot(nil), b.items...)
}

func (b *snapshotBuffer) clear() {
	b.seen = make(map[int]bool)
	b.items = nil
	b.last = nil
}
