package harvester

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
)

const (
	homingReferenceFile     = "homing_reference.json"
	currentPositionFile     = "current_position.json"
	workspaceDimensionsFile = "workspace_dimensions.json"
	missionStateFile        = "mission_state.json"
)

// PositionRecord is the on-disk form of the homing reference and the
// current position.
type PositionRecord struct {
	Timestamp float64  `json:"timestamp"`
	Position  Position `json:"position"`
	Homed     bool     `json:"homed"`
}

// WorkspaceDimensions is the usable travel measured by calibration.
type WorkspaceDimensions struct {
	Timestamp   float64 `json:"timestamp,omitempty"`
	WidthMM     float64 `json:"width_mm"`
	HeightMM    float64 `json:"height_mm"`
	WidthSteps  int     `json:"width_steps,omitempty"`
	HeightSteps int     `json:"height_steps,omitempty"`
	Calibrated  bool    `json:"calibrated"`
	StepsPerMMH float64 `json:"steps_per_mm_h,omitempty"`
	StepsPerMMV float64 `json:"steps_per_mm_v,omitempty"`
}

// Store keeps one JSON file per concern under a directory.
type Store struct {
	fs  afero.Fs
	dir string
}

// NewStore returns a store rooted at dir on fs.
func NewStore(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

// NewOSStore returns a store on the real filesystem.
func NewOSStore(dir string) *Store {
	return NewStore(afero.NewOsFs(), dir)
}

// Path returns the full path of a file in the store.
func (s *Store) Path(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(s.dir, name)
}

// Save marshals v and writes it atomically.
func (s *Store) Save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s", name)
	}
	return s.WriteFile(name, data)
}

// Load reads and unmarshals a file. It reports false when the file does not
// exist.
func (s *Store) Load(name string, v any) (bool, error) {
	data, err := s.ReadFile(name)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errors.Wrapf(err, "failed to decode %s", name)
	}
	return true, nil
}

// ReadFile returns the raw contents of a file.
func (s *Store) ReadFile(name string) ([]byte, error) {
	return afero.ReadFile(s.fs, s.Path(name))
}

// WriteFile replaces a file using temp file, sync and rename.
func (s *Store) WriteFile(name string, data []byte) error {
	path := s.Path(name)
	dir := filepath.Dir(path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create directory %s", dir)
	}

	tmp, err := afero.TempFile(s.fs, dir, ".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpPath := tmp.Name()
	defer s.fs.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to sync temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close temp file")
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		return errors.Wrapf(err, "failed to rename temp file to %s", path)
	}
	return nil
}

func nowStamp() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
