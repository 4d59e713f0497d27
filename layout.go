package harvester

import (
	"os"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Tape is a planting position along a tube, at logical X.
type Tape struct {
	ID int     `json:"id" yaml:"id"`
	X  float64 `json:"x" yaml:"x"`
}

// Tube is one growing channel at logical Y.
type Tube struct {
	ID    int     `json:"id" yaml:"id"`
	Y     float64 `json:"y" yaml:"y"`
	Tapes []Tape  `json:"tapes,omitempty" yaml:"tapes,omitempty"`
}

// CropLayout is the mapped position of every tube and tape.
type CropLayout struct {
	RunID     string    `yaml:"run_id,omitempty"`
	MappedAt  time.Time `yaml:"mapped_at"`
	Workspace Position  `yaml:"workspace"`
	Tubes     []Tube    `yaml:"tubes"`
}

// TapeCount is the number of tapes across all tubes.
func (l CropLayout) TapeCount() int {
	n := 0
	for _, t := range l.Tubes {
		n += len(t.Tapes)
	}
	return n
}

// newTubes numbers the detected Y positions from the top.
func newTubes(ys []float64) []Tube {
	sorted := append([]float64(nil), ys...)
	sort.Float64s(sorted)
	tubes := make([]Tube, len(sorted))
	for i, y := range sorted {
		tubes[i] = Tube{ID: i + 1, Y: y}
	}
	return tubes
}

func newTapes(xs []float64) []Tape {
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	tapes := make([]Tape, len(sorted))
	for i, x := range sorted {
		tapes[i] = Tape{ID: i + 1, X: x}
	}
	return tapes
}

// LoadLayout reads the layout file. It reports false when none was saved.
func LoadLayout(store *Store, name string) (CropLayout, bool, error) {
	data, err := store.ReadFile(name)
	if err != nil {
		if os.IsNotExist(err) {
			return CropLayout{}, false, nil
		}
		return CropLayout{}, false, errors.Wrapf(err, "failed to read %s", name)
	}
	var layout CropLayout
	if err := yaml.Unmarshal(data, &layout); err != nil {
		return CropLayout{}, false, errors.Wrapf(err, "failed to decode %s", name)
	}
	return layout, true, nil
}

// SaveLayout writes the layout file atomically.
func SaveLayout(store *Store, name string, layout CropLayout) error {
	data, err := yaml.Marshal(layout)
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", name)
	}
	return store.WriteFile(name, data)
}
