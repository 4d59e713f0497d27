package harvester

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/data")
	layout := CropLayout{
		RunID:     "01J0000000000000000000000",
		MappedAt:  time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		Workspace: Position{X: 1480, Y: 980},
		Tubes: []Tube{
			{ID: 1, Y: 120, Tapes: []Tape{{ID: 1, X: 40}, {ID: 2, X: 190.5}}},
			{ID: 2, Y: 360},
		},
	}
	require.NoError(t, SaveLayout(store, "crop_layout.yaml", layout))

	raw, err := afero.ReadFile(fs, "/data/crop_layout.yaml")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "tubes:")

	got, found, err := LoadLayout(store, "crop_layout.yaml")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, layout, got)
	assert.Equal(t, 2, got.TapeCount())
}

func TestLoadLayoutMissingAndCorrupt(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs, "/data")

	_, found, err := LoadLayout(store, "crop_layout.yaml")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, afero.WriteFile(fs, "/data/crop_layout.yaml", []byte("tubes: [: bad"), 0o644))
	_, _, err = LoadLayout(store, "crop_layout.yaml")
	assert.Error(t, err)
}

func TestNewTubesAndTapesSort(t *testing.T) {
	tubes := newTubes([]float64{300, 100, 200})
	assert.Equal(t, []Tube{{ID: 1, Y: 100}, {ID: 2, Y: 200}, {ID: 3, Y: 300}}, tubes)

	tapes := newTapes([]float64{90, 10})
	assert.Equal(t, []Tape{{ID: 1, X: 10}, {ID: 2, X: 90}}, tapes)
}

type staticSession struct {
	pos    Position
	flags  []Position
	sweeps [][2]float64
}

func (s *staticSession) Capture(ctx context.Context) (Frame, error) { return Frame{}, nil }
func (s *staticSession) Position() Position                         { return s.pos }
func (s *staticSession) Bounds() (float64, float64)                 { return 1000, 800 }
func (s *staticSession) Sweep(ctx context.Context, dx, dy float64) ([]Position, error) {
	s.sweeps = append(s.sweeps, [2]float64{dx, dy})
	return s.flags, nil
}

func TestSweepScannerPairsFlags(t *testing.T) {
	s := &staticSession{
		pos:   Position{X: 0, Y: 50},
		flags: []Position{{Y: 100}, {Y: 120}, {Y: 300}, {Y: 320}, {Y: 500}},
	}
	ys, err := SweepScanner{}.ScanTubes(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []float64{110, 310, 500}, ys)
	assert.Equal(t, [][2]float64{{0, 750}}, s.sweeps)

	s = &staticSession{pos: Position{X: 200}, flags: []Position{{X: 300}, {X: 340}}}
	xs, err := SweepScanner{}.ScanTapes(context.Background(), s, Tube{ID: 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{320}, xs)
	assert.Equal(t, [][2]float64{{800, 0}}, s.sweeps)
}

func TestLayoutScanner(t *testing.T) {
	l := LayoutScanner{Tubes: []Tube{{Y: 100, Tapes: []Tape{{X: 5}, {X: 15}}}, {Y: 200}}}
	ys, err := l.ScanTubes(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 200}, ys)

	xs, err := l.ScanTapes(context.Background(), nil, Tube{Y: 100})
	require.NoError(t, err)
	assert.Equal(t, []float64{5, 15}, xs)

	xs, err = l.ScanTapes(context.Background(), nil, Tube{Y: 999})
	require.NoError(t, err)
	assert.Nil(t, xs)
}
