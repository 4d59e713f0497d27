package harvester

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/utils"
)

var SupervisorModel = resource.NewModel("viam-harvester", "claudio", "supervisor")

func init() {
	resource.RegisterComponent(sensor.API, SupervisorModel,
		resource.Registration[sensor.Sensor, *Config]{
			Constructor: NewSupervisorSensor,
		},
	)
}

// backgroundOp tracks the long-running command started through DoCommand.
type backgroundOp struct {
	Name     string    `json:"name"`
	Running  bool      `json:"running"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// supervisorSensor exposes the supervisor as a sensor: Readings is the status
// snapshot and DoCommand drives every operation.
type supervisorSensor struct {
	resource.AlwaysRebuild

	name     resource.Name
	logger   logging.Logger
	cfg      *Config
	sup      *Supervisor
	registry *SupervisorRegistry

	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup

	mu sync.Mutex
	op *backgroundOp
}

// NewSupervisorSensor creates the sensor on a shared supervisor for its port.
func NewSupervisorSensor(
	ctx context.Context,
	deps resource.Dependencies,
	rawConf resource.Config,
	logger logging.Logger,
) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}
	opts, err := supervisorOptionsFromDeps(deps, conf, logger)
	if err != nil {
		return nil, err
	}
	return newSupervisorSensor(ctx, rawConf.ResourceName(), conf, opts, defaultRegistry, logger)
}

func newSupervisorSensor(
	ctx context.Context,
	name resource.Name,
	conf *Config,
	opts SupervisorOptions,
	registry *SupervisorRegistry,
	logger logging.Logger,
) (*supervisorSensor, error) {
	conf.Logger = logger
	sup, err := registry.Acquire(ctx, conf, opts, logger)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	s := &supervisorSensor{
		name:       name,
		logger:     logger,
		cfg:        conf,
		sup:        sup,
		registry:   registry,
		cancelCtx:  cancelCtx,
		cancelFunc: cancel,
	}
	logger.Infof("Supervisor sensor initialized on %s", conf.Port)
	return s, nil
}

func (s *supervisorSensor) Name() resource.Name {
	return s.name
}

// Readings returns the robot, arm, limit and mission status.
func (s *supervisorSensor) Readings(ctx context.Context, extra map[string]any) (map[string]any, error) {
	readings, err := toMap(s.sup.Status())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.op != nil {
		if op, err := toMap(s.op); err == nil {
			readings["operation"] = op
		}
	}
	s.mu.Unlock()
	return readings, nil
}

// DoCommand dispatches on cmd["command"].
func (s *supervisorSensor) DoCommand(ctx context.Context, cmd map[string]any) (map[string]any, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, errors.New("command must be a string")
	}

	robot, arm := s.sup.Robot(), s.sup.Arm()
	switch command {
	case "status":
		return s.Readings(ctx, nil)

	case "home":
		return s.startBackground(command, robot.Home)

	case "calibrate_workspace":
		return s.startBackground(command, func(ctx context.Context) error {
			_, err := robot.CalibrateWorkspace(ctx)
			return err
		})

	case "full_start":
		return s.startBackground(command, s.sup.Mission().FullStart)

	case "daily_scan":
		return s.startBackground(command, s.sup.Mission().DailyScan)

	case "move_to":
		x, err := floatArg(cmd, "x")
		if err != nil {
			return nil, err
		}
		y, err := floatArg(cmd, "y")
		if err != nil {
			return nil, err
		}
		if err := robot.MoveToAbsolute(ctx, x, y); err != nil {
			return nil, err
		}
		return okReply("position", robot.LogicalPosition())

	case "move_relative":
		dx, err := floatArg(cmd, "dx")
		if err != nil {
			return nil, err
		}
		dy, err := floatArg(cmd, "dy")
		if err != nil {
			return nil, err
		}
		if err := robot.MoveRelative(ctx, dx, dy); err != nil {
			return nil, err
		}
		return okReply("position", robot.LogicalPosition())

	case "resync":
		if err := robot.ResyncFromFirmware(ctx); err != nil {
			return nil, err
		}
		return okReply("position", robot.LogicalPosition())

	case "change_arm_state":
		name, ok := cmd["state"].(string)
		if !ok {
			return nil, errors.New("state must be a string")
		}
		target, err := ParseArmState(name)
		if err != nil {
			return nil, err
		}
		if err := arm.ChangeState(ctx, target); err != nil {
			return nil, err
		}
		return okReply("arm", arm.Status())

	case "set_payload":
		has, ok := cmd["payload"].(bool)
		if !ok {
			return nil, errors.New("payload must be a boolean")
		}
		arm.SetPayload(has)
		return map[string]any{"success": true, "payload": has}, nil

	case "stop":
		return s.stop(ctx)

	case "reset_totals":
		if err := s.sup.Mission().ResetTotals(); err != nil {
			return nil, err
		}
		return map[string]any{"success": true}, nil

	case "check_limits":
		if _, err := s.sup.Transport().CheckLimits(ctx); err != nil {
			return nil, err
		}
		return okReply("limits", s.sup.Transport().LimitStatus())

	case "raw":
		line, ok := cmd["cmd"].(string)
		if !ok || line == "" {
			return nil, errors.New("cmd must be a non-empty string")
		}
		reply, err := s.sup.Commands().Raw(ctx, line)
		if err != nil {
			return map[string]any{"success": false, "response": reply.Text}, err
		}
		return map[string]any{"success": reply.Success(), "response": reply.Text}, nil

	default:
		return nil, errors.Errorf("unknown command: %s", command)
	}
}

// startBackground runs fn outside the request. Only one runs at a time.
func (s *supervisorSensor) startBackground(name string, fn func(context.Context) error) (map[string]any, error) {
	s.mu.Lock()
	if s.op != nil && s.op.Running {
		running := s.op.Name
		s.mu.Unlock()
		return map[string]any{"success": false}, errors.Errorf("%s already running", running)
	}
	op := &backgroundOp{Name: name, Running: true, Started: time.Now()}
	s.op = op
	s.mu.Unlock()

	s.wg.Add(1)
	utils.ManagedGo(func() {
		err := fn(s.cancelCtx)
		s.mu.Lock()
		op.Running = false
		op.Finished = time.Now()
		if err != nil {
			op.Error = err.Error()
		}
		s.mu.Unlock()
		if err != nil {
			s.logger.Errorf("%s failed: %v", name, err)
		} else {
			s.logger.Infof("%s finished", name)
		}
	}, s.wg.Done)

	return map[string]any{"success": true, "started": name}, nil
}

// stop halts the arm and the gantry.
func (s *supervisorSensor) stop(ctx context.Context) (map[string]any, error) {
	if err := s.sup.Arm().StopTrajectory(ctx); err == nil {
		return map[string]any{"success": true, "stopped": "trajectory"}, nil
	}
	if _, err := s.sup.Commands().EmergencyStop(ctx); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "stopped": "motion"}, nil
}

func (s *supervisorSensor) Close(ctx context.Context) error {
	s.cancelFunc()
	s.wg.Wait()
	return s.registry.Release(s.cfg.Port)
}

func floatArg(cmd map[string]any, key string) (float64, error) {
	switch v := cmd[key].(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	default:
		return 0, errors.Errorf("%s must be a number", key)
	}
}

func okReply(key string, v any) (map[string]any, error) {
	m, err := toMap(v)
	if err != nil {
		return nil, err
	}
	return map[string]any{"success": true, key: m}, nil
}

// toMap converts a JSON-tagged struct into the plain map form DoCommand and
// Readings return.
func toMap(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode reading")
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrap(err, "failed to decode reading")
	}
	return out, nil
}
