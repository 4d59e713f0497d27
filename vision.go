package harvester

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// CropClass is the classifier verdict for one tape.
type CropClass int

const (
	CropNotReady CropClass = iota
	CropReady
	CropEmpty
)

func (c CropClass) String() string {
	switch c {
	case CropReady:
		return "ready"
	case CropEmpty:
		return "empty"
	default:
		return "not_ready"
	}
}

// Axis selects a correction direction.
type Axis int

const (
	AxisHorizontal Axis = iota
	AxisVertical
)

func (a Axis) String() string {
	if a == AxisVertical {
		return "vertical"
	}
	return "horizontal"
}

// ScanSession is what a scanner gets from the supervisor while mapping.
// Positions are logical.
type ScanSession interface {
	Capture(ctx context.Context) (Frame, error)
	Position() Position
	Bounds() (float64, float64)
	// Sweep moves by a logical delta and returns the positions flagged during
	// the move, in order.
	Sweep(ctx context.Context, dx, dy float64) ([]Position, error)
}

// Scanner finds tubes and the tapes along each tube.
type Scanner interface {
	ScanTubes(ctx context.Context, s ScanSession) ([]float64, error)
	ScanTapes(ctx context.Context, s ScanSession, tube Tube) ([]float64, error)
}

// Classifier decides whether the plant in frame is ready.
type Classifier interface {
	Classify(ctx context.Context, f Frame) (CropClass, error)
}

// Corrector returns the logical offset in mm that centers the plant on axis.
type Corrector interface {
	Correct(ctx context.Context, axis Axis, f Frame) (float64, error)
}

// SweepScanner maps by sweeping each axis to its end while the controller
// flags the start and end of every object it passes. Each start/end pair is
// reported at its midpoint; an unpaired last flag is reported as is.
type SweepScanner struct{}

func (SweepScanner) ScanTubes(ctx context.Context, s ScanSession) ([]float64, error) {
	_, maxY := s.Bounds()
	from := s.Position()
	flags, err := s.Sweep(ctx, 0, maxY-from.Y)
	if err != nil {
		return nil, errors.Wrap(err, "vertical sweep failed")
	}
	ys := make([]float64, len(flags))
	for i, p := range flags {
		ys[i] = p.Y
	}
	return midpoints(ys), nil
}

func (SweepScanner) ScanTapes(ctx context.Context, s ScanSession, tube Tube) ([]float64, error) {
	maxX, _ := s.Bounds()
	from := s.Position()
	flags, err := s.Sweep(ctx, maxX-from.X, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "horizontal sweep of tube %d failed", tube.ID)
	}
	xs := make([]float64, len(flags))
	for i, p := range flags {
		xs[i] = p.X
	}
	return midpoints(xs), nil
}

func midpoints(v []float64) []float64 {
	var out []float64
	for i := 0; i+1 < len(v); i += 2 {
		out = append(out, (v[i]+v[i+1])/2)
	}
	if len(v)%2 == 1 {
		out = append(out, v[len(v)-1])
	}
	return out
}

// LayoutScanner reports a fixed layout without moving.
type LayoutScanner struct {
	Tubes []Tube
}

func (l LayoutScanner) ScanTubes(ctx context.Context, s ScanSession) ([]float64, error) {
	ys := make([]float64, len(l.Tubes))
	for i, t := range l.Tubes {
		ys[i] = t.Y
	}
	return ys, nil
}

func (l LayoutScanner) ScanTapes(ctx context.Context, s ScanSession, tube Tube) ([]float64, error) {
	for _, t := range l.Tubes {
		if t.Y != tube.Y {
			continue
		}
		xs := make([]float64, len(t.Tapes))
		for i, tape := range t.Tapes {
			xs[i] = tape.X
		}
		return xs, nil
	}
	return nil, nil
}

// PromptClassifier asks an operator: 1 ready, 2 not ready, 3 empty.
type PromptClassifier struct {
	in  *bufio.Reader
	out io.Writer
}

func NewPromptClassifier(in io.Reader, out io.Writer) *PromptClassifier {
	return &PromptClassifier{in: bufio.NewReader(in), out: out}
}

func (p *PromptClassifier) Classify(ctx context.Context, f Frame) (CropClass, error) {
	fmt.Fprint(p.out, "Plant state? 1=ready 2=not ready 3=empty: ")
	line, err := p.in.ReadString('\n')
	if err != nil && line == "" {
		return CropNotReady, errors.Wrap(err, "failed to read classification")
	}
	switch strings.TrimSpace(line) {
	case "1":
		return CropReady, nil
	case "3":
		return CropEmpty, nil
	default:
		return CropNotReady, nil
	}
}
