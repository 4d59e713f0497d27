package harvester

import (
	"context"
	"crypto/rand"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// MissionState is the stage of the mission pipeline.
type MissionState int

const (
	MissionIdle MissionState = iota
	MissionHoming
	MissionCropMapping
	MissionResourceMapping
	MissionHarvestCycle
	MissionFineAlign
	MissionHarvesting
	MissionPlanting
	MissionMovingToBin
	MissionError
)

func (s MissionState) String() string {
	switch s {
	case MissionHoming:
		return "homing"
	case MissionCropMapping:
		return "crop_mapping"
	case MissionResourceMapping:
		return "resource_mapping"
	case MissionHarvestCycle:
		return "harvest_cycle"
	case MissionFineAlign:
		return "fine_align"
	case MissionHarvesting:
		return "harvesting"
	case MissionPlanting:
		return "planting"
	case MissionMovingToBin:
		return "moving_to_bin"
	case MissionError:
		return "error"
	default:
		return "idle"
	}
}

func parseMissionState(name string) MissionState {
	for s := MissionIdle; s <= MissionError; s++ {
		if s.String() == name {
			return s
		}
	}
	return MissionIdle
}

// MissionStats are the cumulative counters, kept across runs until reset.
type MissionStats struct {
	HarvestedCount  int     `json:"harvested_count"`
	PlantedCount    int     `json:"planted_count"`
	TubesProcessed  int     `json:"tubes_processed"`
	ErrorRecoveries int     `json:"error_recoveries"`
	ElapsedSec      float64 `json:"elapsed_time"`
}

// MissionResources are the fixed positions the harvest cycle visits.
type MissionResources struct {
	Supply *Position `json:"supply_position,omitempty"`
	Bin    *Position `json:"bin_position,omitempty"`
}

// MissionStatus is the persisted and published mission record.
type MissionStatus struct {
	State     string           `json:"current_state"`
	RunID     string           `json:"last_run_id,omitempty"`
	Stats     MissionStats     `json:"statistics"`
	Resources MissionResources `json:"resources"`
	LastError string           `json:"last_error,omitempty"`
	Timestamp float64          `json:"timestamp"`
}

// Gantry is the XY positioning the mission needs. Positions are logical.
type Gantry interface {
	Home(ctx context.Context) error
	IsHomed() bool
	Bounds() (float64, float64)
	LogicalPosition() Position
	MoveToAbsolute(ctx context.Context, x, y float64) error
	Sweep(ctx context.Context, dx, dy float64) ([]Position, error)
	ResyncFromFirmware(ctx context.Context) error
}

// Manipulator is the arm as the mission drives it.
type Manipulator interface {
	ChangeState(ctx context.Context, target ArmState) error
	SetPayload(has bool)
	EnsureSafePosition(ctx context.Context) error
}

// StatusPublisher receives the mission record on every transition.
type StatusPublisher interface {
	Publish(ctx context.Context, status MissionStatus) error
}

// MissionDeps are the collaborators of a Mission. Camera, Scanner,
// Classifier, Corrector, Transient and Publisher may be nil.
type MissionDeps struct {
	Gantry     Gantry
	Arm        Manipulator
	Camera     *CameraHandle
	Scanner    Scanner
	Classifier Classifier
	Corrector  Corrector
	// Transient is reset between scans.
	Transient interface{ ResetTransient() }
	Publisher StatusPublisher
}

// Mission runs the full-start and daily-scan pipelines. One operation runs
// at a time.
type Mission struct {
	cfg     MissionConfig
	deps    MissionDeps
	store   *Store
	logger  logging.Logger
	metrics *Metrics

	busy    atomic.Bool
	entropy io.Reader

	mu        sync.Mutex
	state     MissionState
	runID     string
	stats     MissionStats
	resources MissionResources
	layout    *CropLayout
	lastErr   string
}

func NewMission(cfg MissionConfig, deps MissionDeps, store *Store, logger logging.Logger, metrics *Metrics) *Mission {
	m := &Mission{
		cfg:     cfg,
		deps:    deps,
		store:   store,
		logger:  logger,
		metrics: metrics,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	m.resources.Supply = cfg.SupplyPosition
	return m
}

// LoadState restores statistics, resources and the last run id. A run that
// was interrupted mid-stage is reported and the mission starts idle.
func (m *Mission) LoadState() error {
	var rec MissionStatus
	found, err := m.store.Load(missionStateFile, &rec)
	if err != nil {
		return err
	}
	if found {
		m.mu.Lock()
		m.stats = rec.Stats
		m.runID = rec.RunID
		if rec.Resources.Bin != nil {
			m.resources.Bin = rec.Resources.Bin
		}
		if m.resources.Supply == nil {
			m.resources.Supply = rec.Resources.Supply
		}
		m.mu.Unlock()
		if prev := parseMissionState(rec.State); prev != MissionIdle && prev != MissionError {
			m.logger.Warnf("Run %s was interrupted during %s", rec.RunID, prev)
		}
		m.logger.Infof("Mission state restored: %d harvested, %d planted", rec.Stats.HarvestedCount, rec.Stats.PlantedCount)
	}

	layout, found, err := LoadLayout(m.store, m.cfg.LayoutFile)
	if err != nil {
		m.logger.Warnf("failed to load crop layout: %v", err)
		return nil
	}
	if found {
		m.mu.Lock()
		m.layout = &layout
		m.mu.Unlock()
		m.logger.Infof("Crop layout loaded: %d tubes, %d tapes", len(layout.Tubes), layout.TapeCount())
	}
	return nil
}

func (m *Mission) Status() MissionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Mission) statusLocked() MissionStatus {
	return MissionStatus{
		State:     m.state.String(),
		RunID:     m.runID,
		Stats:     m.stats,
		Resources: m.resources,
		LastError: m.lastErr,
		Timestamp: nowStamp(),
	}
}

// Layout returns the current crop layout, if any.
func (m *Mission) Layout() (CropLayout, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.layout == nil {
		return CropLayout{}, false
	}
	return *m.layout, true
}

// Busy reports whether a mission operation is running.
func (m *Mission) Busy() bool {
	return m.busy.Load()
}

// ResetTotals zeroes the statistics.
func (m *Mission) ResetTotals() error {
	if m.busy.Load() {
		return ErrMissionBusy
	}
	m.mu.Lock()
	m.stats = MissionStats{}
	status := m.statusLocked()
	m.mu.Unlock()
	m.logger.Info("Mission statistics reset")
	return m.store.Save(missionStateFile, status)
}

// FullStart homes, maps the crop and the resources, runs one harvest cycle
// and returns to the origin.
func (m *Mission) FullStart(ctx context.Context) error {
	return m.run(ctx, "full start", func(ctx context.Context) error {
		if err := m.homing(ctx); err != nil {
			return err
		}
		layout, err := m.mapCrops(ctx)
		if err != nil {
			return err
		}
		if err := m.mapResources(); err != nil {
			return err
		}
		if err := m.harvestCycle(ctx, layout); err != nil {
			return err
		}
		return m.returnToOrigin(ctx)
	})
}

// DailyScan reuses the saved layout and resources and runs one harvest cycle.
// It homes and maps only what is missing.
func (m *Mission) DailyScan(ctx context.Context) error {
	return m.run(ctx, "daily scan", func(ctx context.Context) error {
		if !m.deps.Gantry.IsHomed() {
			if err := m.homing(ctx); err != nil {
				return err
			}
		}
		layout, ok := m.Layout()
		if !ok || len(layout.Tubes) == 0 {
			m.logger.Info("No saved crop layout, mapping first")
			var err error
			if layout, err = m.mapCrops(ctx); err != nil {
				return err
			}
		}
		m.mu.Lock()
		haveBin := m.resources.Bin != nil
		m.mu.Unlock()
		if !haveBin {
			if err := m.mapResources(); err != nil {
				return err
			}
		}
		if err := m.harvestCycle(ctx, layout); err != nil {
			return err
		}
		return m.returnToOrigin(ctx)
	})
}

func (m *Mission) run(ctx context.Context, name string, body func(context.Context) error) error {
	if !m.busy.CompareAndSwap(false, true) {
		return ErrMissionBusy
	}
	defer m.busy.Store(false)

	id := ulid.MustNew(ulid.Timestamp(time.Now()), m.entropy).String()
	m.mu.Lock()
	m.runID = id
	m.lastErr = ""
	m.mu.Unlock()
	m.logger.Infof("Starting %s (run %s)", name, id)

	start := time.Now()
	err := body(ctx)

	m.mu.Lock()
	m.stats.ElapsedSec += time.Since(start).Seconds()
	m.mu.Unlock()

	if err != nil {
		m.fail(err)
		return errors.Wrapf(err, "%s failed", name)
	}
	m.transition(MissionIdle)
	st := m.Status()
	m.logger.Infof("%s completed: %d harvested, %d planted, %d recoveries", name,
		st.Stats.HarvestedCount, st.Stats.PlantedCount, st.Stats.ErrorRecoveries)
	return nil
}

// transition records, persists and publishes the new state.
func (m *Mission) transition(s MissionState) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	status := m.statusLocked()
	m.mu.Unlock()

	if prev != s {
		m.logger.Infof("Mission: %s -> %s", prev, s)
	}
	m.metrics.MissionTransition(s)
	if err := m.store.Save(missionStateFile, status); err != nil {
		m.logger.Warnf("failed to persist mission state: %v", err)
	}
	if m.deps.Publisher != nil {
		if err := m.deps.Publisher.Publish(context.Background(), status); err != nil {
			m.logger.Warnf("failed to publish mission status: %v", err)
		}
	}
}

func (m *Mission) fail(err error) {
	m.mu.Lock()
	m.lastErr = err.Error()
	m.mu.Unlock()
	m.logger.Errorf("Mission aborted: %v", err)
	m.transition(MissionError)
}

func (m *Mission) homing(ctx context.Context) error {
	m.transition(MissionHoming)
	if err := m.deps.Arm.ChangeState(ctx, ArmTravel); err != nil {
		return errors.Wrap(err, "failed to fold arm for homing")
	}
	if err := m.deps.Gantry.Home(ctx); err != nil {
		return errors.Wrap(err, "homing failed")
	}
	return nil
}

func (m *Mission) mapCrops(ctx context.Context) (CropLayout, error) {
	m.transition(MissionCropMapping)
	if m.deps.Scanner == nil {
		return CropLayout{}, ErrNoScanner
	}
	if err := m.acquireCamera(ctx); err != nil {
		return CropLayout{}, err
	}
	defer m.releaseCamera()

	g := m.deps.Gantry
	if err := g.MoveToAbsolute(ctx, 0, 0); err != nil {
		return CropLayout{}, errors.Wrap(err, "failed to reach the mapping start")
	}
	session := &scanSession{gantry: g, camera: m.deps.Camera}

	ys, err := m.deps.Scanner.ScanTubes(ctx, session)
	m.resetTransient()
	if err != nil {
		return CropLayout{}, errors.Wrap(err, "tube scan failed")
	}
	tubes := newTubes(ys)
	m.logger.Infof("Found %d tubes", len(tubes))

	for i := range tubes {
		if err := g.MoveToAbsolute(ctx, 0, tubes[i].Y); err != nil {
			return CropLayout{}, errors.Wrapf(err, "failed to reach tube %d", tubes[i].ID)
		}
		xs, err := m.deps.Scanner.ScanTapes(ctx, session, tubes[i])
		m.resetTransient()
		if err != nil {
			return CropLayout{}, errors.Wrapf(err, "tape scan of tube %d failed", tubes[i].ID)
		}
		tubes[i].Tapes = newTapes(xs)
		m.logger.Infof("Tube %d at y=%.1f: %d tapes", tubes[i].ID, tubes[i].Y, len(tubes[i].Tapes))
	}

	w, h := g.Bounds()
	m.mu.Lock()
	layout := CropLayout{RunID: m.runID, MappedAt: time.Now().UTC(), Workspace: Position{X: w, Y: h}, Tubes: tubes}
	m.layout = &layout
	m.mu.Unlock()
	if err := SaveLayout(m.store, m.cfg.LayoutFile, layout); err != nil {
		m.logger.Warnf("failed to save crop layout: %v", err)
	}
	return layout, nil
}

func (m *Mission) mapResources() error {
	m.transition(MissionResourceMapping)
	w, h := m.deps.Gantry.Bounds()
	bin := Position{
		X: math.Max(0, w-m.cfg.EdgeBackoffMM),
		Y: math.Max(0, h-m.cfg.DepositOffsetMM),
	}
	m.mu.Lock()
	m.resources.Bin = &bin
	supply := m.resources.Supply
	m.mu.Unlock()
	m.logger.Infof("Bin at %s", bin)
	if supply == nil {
		m.logger.Info("No supply position configured, planting is disabled")
	}
	return nil
}

func (m *Mission) harvestCycle(ctx context.Context, layout CropLayout) error {
	m.transition(MissionHarvestCycle)
	g := m.deps.Gantry
	for _, tube := range layout.Tubes {
		for _, tape := range tube.Tapes {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := g.MoveToAbsolute(ctx, tape.X, tube.Y); err != nil {
				return errors.Wrapf(err, "failed to reach tube %d tape %d", tube.ID, tape.ID)
			}
			class, err := m.classify(ctx)
			if err != nil {
				m.recover(errors.Wrapf(err, "classification of tube %d tape %d", tube.ID, tape.ID))
				continue
			}
			m.logger.Infof("Tube %d tape %d: %s", tube.ID, tape.ID, class)

			switch class {
			case CropReady:
				if err := m.fineAlign(ctx); err != nil {
					m.recover(errors.Wrapf(err, "alignment at tube %d tape %d", tube.ID, tape.ID))
					m.transition(MissionHarvestCycle)
					continue
				}
				if err := m.harvest(ctx); err != nil {
					return err
				}
				if err := m.deposit(ctx); err != nil {
					return err
				}
			case CropEmpty:
				if !m.canPlant() {
					continue
				}
				if err := m.plant(ctx, Position{X: tape.X, Y: tube.Y}); err != nil {
					return err
				}
			default:
				continue
			}
			m.transition(MissionHarvestCycle)
		}
		m.mu.Lock()
		m.stats.TubesProcessed++
		m.mu.Unlock()
	}
	return nil
}

func (m *Mission) classify(ctx context.Context) (CropClass, error) {
	if m.deps.Classifier == nil {
		return CropNotReady, ErrNoClassifier
	}
	f, err := m.captureFrame(ctx)
	if err != nil {
		return CropNotReady, err
	}
	return m.deps.Classifier.Classify(ctx, f)
}

// captureFrame takes one frame with the camera held only around the capture.
func (m *Mission) captureFrame(ctx context.Context) (Frame, error) {
	if m.deps.Camera == nil {
		return Frame{}, nil
	}
	if err := m.acquireCamera(ctx); err != nil {
		return Frame{}, err
	}
	defer m.releaseCamera()
	return m.deps.Camera.Capture(ctx)
}

func (m *Mission) fineAlign(ctx context.Context) error {
	if m.deps.Corrector == nil {
		return nil
	}
	m.transition(MissionFineAlign)
	for _, axis := range []Axis{AxisHorizontal, AxisVertical} {
		for i := 0; i < m.cfg.CorrectionIterations; i++ {
			f, err := m.captureFrame(ctx)
			if err != nil {
				return err
			}
			mm, err := m.deps.Corrector.Correct(ctx, axis, f)
			if err != nil {
				return errors.Wrapf(err, "%s correction", axis)
			}
			if math.Abs(mm) <= m.cfg.CorrectionToleranceMM {
				break
			}
			p := m.deps.Gantry.LogicalPosition()
			if axis == AxisHorizontal {
				p.X += mm
			} else {
				p.Y += mm
			}
			m.logger.Debugf("%s correction %.1fmm, moving to %s", axis, mm, p)
			if err := m.deps.Gantry.MoveToAbsolute(ctx, p.X, p.Y); err != nil {
				return errors.Wrapf(err, "%s correction move", axis)
			}
		}
	}
	return nil
}

func (m *Mission) harvest(ctx context.Context) error {
	m.transition(MissionHarvesting)
	arm := m.deps.Arm
	arm.SetPayload(false)
	if err := arm.ChangeState(ctx, ArmPick); err != nil {
		return errors.Wrap(err, "failed to pick")
	}
	arm.SetPayload(true)
	if err := arm.ChangeState(ctx, ArmCarry); err != nil {
		return errors.Wrap(err, "failed to lift the plant")
	}
	return nil
}

func (m *Mission) deposit(ctx context.Context) error {
	m.transition(MissionMovingToBin)
	m.mu.Lock()
	bin := m.resources.Bin
	m.mu.Unlock()
	if bin == nil {
		return errors.New("bin position unknown")
	}
	if err := m.deps.Gantry.MoveToAbsolute(ctx, bin.X, bin.Y); err != nil {
		return errors.Wrap(err, "failed to reach the bin")
	}
	arm := m.deps.Arm
	if err := arm.ChangeState(ctx, ArmDeposit); err != nil {
		return errors.Wrap(err, "failed to deposit")
	}
	if err := arm.ChangeState(ctx, ArmCarry); err != nil {
		return errors.Wrap(err, "failed to return to carry")
	}
	arm.SetPayload(false)

	m.mu.Lock()
	m.stats.HarvestedCount++
	m.mu.Unlock()
	return nil
}

func (m *Mission) canPlant() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resources.Supply != nil
}

// plant fetches a seedling from the supply and puts it down at target.
func (m *Mission) plant(ctx context.Context, target Position) error {
	m.transition(MissionPlanting)
	m.mu.Lock()
	supply := *m.resources.Supply
	m.mu.Unlock()

	g, arm := m.deps.Gantry, m.deps.Arm
	if err := g.MoveToAbsolute(ctx, supply.X, supply.Y); err != nil {
		return errors.Wrap(err, "failed to reach the supply")
	}
	arm.SetPayload(false)
	if err := arm.ChangeState(ctx, ArmPick); err != nil {
		return errors.Wrap(err, "failed to take a seedling")
	}
	arm.SetPayload(true)
	if err := arm.ChangeState(ctx, ArmCarry); err != nil {
		return errors.Wrap(err, "failed to lift the seedling")
	}
	if err := g.MoveToAbsolute(ctx, target.X, target.Y); err != nil {
		return errors.Wrap(err, "failed to return to the tape")
	}
	if err := arm.ChangeState(ctx, ArmPick); err != nil {
		return errors.Wrap(err, "failed to place the seedling")
	}
	arm.SetPayload(false)
	if err := arm.ChangeState(ctx, ArmCarry); err != nil {
		return errors.Wrap(err, "failed to lift after planting")
	}

	m.mu.Lock()
	m.stats.PlantedCount++
	m.mu.Unlock()
	return nil
}

func (m *Mission) returnToOrigin(ctx context.Context) error {
	g := m.deps.Gantry
	if err := g.ResyncFromFirmware(ctx); err != nil {
		m.logger.Warnf("failed to resync before returning: %v", err)
	}
	if err := g.MoveToAbsolute(ctx, 0, 0); err != nil {
		return errors.Wrap(err, "failed to return to the origin")
	}
	if err := m.deps.Arm.ChangeState(ctx, ArmTravel); err != nil {
		return errors.Wrap(err, "failed to fold arm at the origin")
	}
	return nil
}

func (m *Mission) recover(err error) {
	m.mu.Lock()
	m.stats.ErrorRecoveries++
	m.mu.Unlock()
	m.logger.Warnf("Skipping tape: %v", err)
}

func (m *Mission) resetTransient() {
	if m.deps.Transient != nil {
		m.deps.Transient.ResetTransient()
	}
}

func (m *Mission) acquireCamera(ctx context.Context) error {
	if m.deps.Camera == nil {
		return nil
	}
	return m.deps.Camera.Acquire(ctx, m.cfg.CameraOwner)
}

func (m *Mission) releaseCamera() {
	if m.deps.Camera == nil {
		return
	}
	if err := m.deps.Camera.Release(m.cfg.CameraOwner); err != nil {
		m.logger.Warnf("%v", err)
	}
}

// scanSession lends the gantry and camera to a scanner.
type scanSession struct {
	gantry Gantry
	camera *CameraHandle
}

func (s *scanSession) Capture(ctx context.Context) (Frame, error) {
	if s.camera == nil {
		return Frame{}, ErrCameraNotAcquired
	}
	return s.camera.Capture(ctx)
}

func (s *scanSession) Position() Position {
	return s.gantry.LogicalPosition()
}

func (s *scanSession) Bounds() (float64, float64) {
	return s.gantry.Bounds()
}

func (s *scanSession) Sweep(ctx context.Context, dx, dy float64) ([]Position, error) {
	return s.gantry.Sweep(ctx, dx, dy)
}
