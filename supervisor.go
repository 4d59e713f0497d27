package harvester

import (
	"context"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// SupervisorOptions supplies the parts that are not built from Config.
type SupervisorOptions struct {
	Store      *Store
	Metrics    *Metrics
	Camera     Camera
	Scanner    Scanner
	Classifier Classifier
	Corrector  Corrector
	Publisher  StatusPublisher
}

// SupervisorStatus is the combined state of every subsystem.
type SupervisorStatus struct {
	Connected bool          `json:"connected"`
	Robot     RobotStatus   `json:"robot"`
	Arm       ArmStatus     `json:"arm"`
	Mission   MissionStatus `json:"mission"`
}

// Supervisor owns the serial link and every controller built on it.
type Supervisor struct {
	cfg     *Config
	logger  logging.Logger
	metrics *Metrics

	tr        *Transport
	cmd       *Commands
	arm       *ArmController
	robot     *RobotController
	mission   *Mission
	camera    *CameraHandle
	publisher *MQTTPublisher
}

// NewSupervisor wires the controllers. Nothing touches the port until Start.
func NewSupervisor(cfg *Config, opts SupervisorOptions, logger logging.Logger) *Supervisor {
	store := opts.Store
	if store == nil {
		store = NewOSStore(cfg.DataDir)
	}
	s := &Supervisor{cfg: cfg, logger: logger, metrics: opts.Metrics}

	s.tr = NewTransport(cfg.TransportConfig(), logger, s.metrics)
	s.cmd = NewCommands(s.tr, 0)
	s.arm = NewArmController(cfg.Arm, s.tr, s.cmd, logger, s.metrics)
	s.robot = NewRobotController(cfg.Motion, s.tr, s.cmd, s.arm, store, logger, s.metrics)

	if opts.Camera != nil {
		s.camera = NewCameraHandle(opts.Camera, logger)
	}
	scanner := opts.Scanner
	if scanner == nil {
		if len(cfg.Mission.Tubes) > 0 {
			scanner = LayoutScanner{Tubes: cfg.Mission.Tubes}
		} else {
			scanner = SweepScanner{}
		}
	}
	publisher := opts.Publisher
	if publisher == nil && cfg.MQTT.Broker != "" {
		p, err := NewMQTTPublisher(cfg.MQTT, logger)
		if err != nil {
			logger.Warnf("status publishing disabled: %v", err)
		} else {
			s.publisher = p
			publisher = p
		}
	}

	s.mission = NewMission(cfg.Mission, MissionDeps{
		Gantry:     s.robot,
		Arm:        s.arm,
		Camera:     s.camera,
		Scanner:    scanner,
		Classifier: opts.Classifier,
		Corrector:  opts.Corrector,
		Transient:  s.tr,
		Publisher:  publisher,
	}, store, logger, s.metrics)
	return s
}

// Start connects and restores the persisted state, then reads the arm and
// enables the heartbeat.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.tr.Connect(ctx, s.cfg.Port, s.cfg.Baudrate); err != nil {
		return err
	}
	if err := s.robot.LoadPersisted(); err != nil {
		s.logger.Warnf("failed to restore position state: %v", err)
	}
	if err := s.mission.LoadState(); err != nil {
		s.logger.Warnf("failed to restore mission state: %v", err)
	}
	if err := s.arm.RefreshState(ctx); err != nil {
		s.logger.Warnf("failed to read initial arm state: %v", err)
	}
	if _, err := s.cmd.SetHeartbeat(ctx, true); err != nil {
		s.logger.Warnf("failed to enable heartbeat: %v", err)
	}
	return nil
}

func (s *Supervisor) Close() error {
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.camera != nil {
		if err := s.camera.ForceClose(); err != nil {
			s.logger.Warnf("failed to close camera: %v", err)
		}
	}
	if err := s.tr.Close(); err != nil {
		return errors.Wrap(err, "failed to close transport")
	}
	return nil
}

func (s *Supervisor) Status() SupervisorStatus {
	return SupervisorStatus{
		Connected: s.tr.Connected(),
		Robot:     s.robot.Status(),
		Arm:       s.arm.Status(),
		Mission:   s.mission.Status(),
	}
}

func (s *Supervisor) Transport() *Transport { return s.tr }
func (s *Supervisor) Commands() *Commands { return s.cmd }
func (s *Supervisor) Arm() *ArmController { return s.arm }
func (s *Supervisor) Robot() *RobotController { return s.robot }
func (s *Supervisor) Mission() *Mission { return s.mission }
func (s *Supervisor) Metrics() *Metrics { return s.metrics }
func (s *Supervisor) Camera() *CameraHandle { return s.camera }
