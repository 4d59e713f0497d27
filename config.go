package harvester

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

// Config is the single configuration record for the supervisor. It is built
// once at startup and handed to every component that needs it.
type Config struct {
	Port     string `json:"port,omitempty"`
	Baudrate int    `json:"baudrate,omitempty"`

	CommandTimeoutSec        float64 `json:"command_timeout_sec,omitempty"`
	BootDelaySec             float64 `json:"boot_delay_sec,omitempty"`
	CompletionCacheExpirySec float64 `json:"completion_cache_expiry_sec,omitempty"`
	LimitPollDelayMs         int     `json:"limit_poll_delay_ms,omitempty"`
	LimitPollIntervalMs      int     `json:"limit_poll_interval_ms,omitempty"`
	ResponseQueueSize        int     `json:"response_queue_size,omitempty"`

	// DataDir holds the persisted position, homing, workspace and mission files.
	DataDir string `json:"data_dir,omitempty"`

	// Camera and VisionService name robot resources the mission uses to
	// look at each tape.
	Camera        string `json:"camera,omitempty"`
	VisionService string `json:"vision_service,omitempty"`

	Motion  MotionConfig  `json:"motion"`
	Arm     ArmConfig     `json:"arm"`
	Mission MissionConfig `json:"mission"`
	Vision  VisionConfig  `json:"vision"`
	MQTT    MQTTConfig    `json:"mqtt"`

	// Not serialized
	Logger logging.Logger `json:"-"`
}

// MotionConfig carries the mechanical constants of the XY gantry.
type MotionConfig struct {
	StepsPerMMH float64 `json:"steps_per_mm_h,omitempty"`
	StepsPerMMV float64 `json:"steps_per_mm_v,omitempty"`

	NormalSpeedH int `json:"normal_speed_h,omitempty"`
	NormalSpeedV int `json:"normal_speed_v,omitempty"`
	HomingSpeedH int `json:"homing_speed_h,omitempty"`
	HomingSpeedV int `json:"homing_speed_v,omitempty"`

	HomingDistanceH float64 `json:"homing_distance_h,omitempty"`
	HomingDistanceV float64 `json:"homing_distance_v,omitempty"`
	HomeOffsetH     float64 `json:"home_offset_h,omitempty"`
	HomeOffsetV     float64 `json:"home_offset_v,omitempty"`

	// An inverted axis has its firmware positive direction pointing at the
	// home corner. Logical coordinates always grow into the workspace.
	XAxisInverted *bool `json:"x_axis_inverted,omitempty"`
	YAxisInverted *bool `json:"y_axis_inverted,omitempty"`

	MaxX float64 `json:"max_x,omitempty"`
	MaxY float64 `json:"max_y,omitempty"`

	LimitBackoffMM   float64 `json:"limit_backoff_mm,omitempty"`
	SafetyMarginMM   float64 `json:"safety_margin_mm,omitempty"`
	MinCaptureMM     float64 `json:"min_capture_mm,omitempty"`
	LimitReleaseSec  float64 `json:"limit_release_sec,omitempty"`
	RightLimitSec    float64 `json:"right_limit_timeout_sec,omitempty"`
	UpLimitSec       float64 `json:"up_limit_timeout_sec,omitempty"`
	LeftLimitSec     float64 `json:"left_limit_timeout_sec,omitempty"`
	DownLimitSec     float64 `json:"down_limit_timeout_sec,omitempty"`
	ShortMoveSec     float64 `json:"short_move_timeout_sec,omitempty"`
	TravelTimeoutSec float64 `json:"travel_timeout_sec,omitempty"`
}

// ArmConfig tunes the trajectory executor.
type ArmConfig struct {
	StateTolerance     int     `json:"state_tolerance,omitempty"`
	StepWatchdogSec    float64 `json:"step_watchdog_sec,omitempty"`
	GripperWatchdogSec float64 `json:"gripper_watchdog_sec,omitempty"`
}

// MissionConfig describes the crop layout and the fixed resource positions.
type MissionConfig struct {
	LayoutFile      string    `json:"layout_file,omitempty"`
	SupplyPosition  *Position `json:"supply_position,omitempty"`
	EdgeBackoffMM   float64   `json:"edge_backoff_mm,omitempty"`
	DepositOffsetMM float64   `json:"deposit_offset_mm,omitempty"`
	CameraOwner     string    `json:"camera_owner,omitempty"`

	CorrectionIterations  int     `json:"correction_iterations,omitempty"`
	CorrectionToleranceMM float64 `json:"correction_tolerance_mm,omitempty"`

	// Tubes, when set, replace vision mapping with a fixed layout.
	Tubes []Tube `json:"tubes,omitempty"`
}

// VisionConfig maps vision service results onto crop decisions.
type VisionConfig struct {
	MimeType      string   `json:"mime_type,omitempty"`
	ReadyLabels   []string `json:"ready_labels,omitempty"`
	EmptyLabels   []string `json:"empty_labels,omitempty"`
	MinConfidence float64  `json:"min_confidence,omitempty"`
	// MMPerPixel scales detection offsets for fine alignment. Zero disables
	// alignment.
	MMPerPixel float64 `json:"mm_per_pixel,omitempty"`
}

// MQTTConfig enables status publishing when Broker is set.
type MQTTConfig struct {
	Broker   string `json:"broker,omitempty"`
	Topic    string `json:"topic,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// Validate ensures all parts of the config are valid and fills in defaults.
func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.Port == "" {
		return nil, nil, errors.New("must specify port for serial communication")
	}
	if cfg.Baudrate < 0 {
		return nil, nil, errors.Errorf("baudrate must be positive, got %d", cfg.Baudrate)
	}
	cfg.applyDefaults()
	if cfg.Motion.MaxX <= 0 || cfg.Motion.MaxY <= 0 {
		return nil, nil, errors.Errorf("%s: motion.max_x and motion.max_y must be positive", path)
	}
	if cfg.Arm.StateTolerance < 0 {
		return nil, nil, errors.Errorf("%s: arm.state_tolerance must not be negative", path)
	}
	if cfg.Vision.MinConfidence < 0 || cfg.Vision.MinConfidence > 1 {
		return nil, nil, errors.Errorf("%s: vision.min_confidence must be between 0 and 1", path)
	}
	if cfg.VisionService != "" && cfg.Camera == "" {
		return nil, nil, errors.Errorf("%s: vision_service needs a camera", path)
	}

	var deps []string
	if cfg.Camera != "" {
		deps = append(deps, cfg.Camera)
	}
	if cfg.VisionService != "" {
		deps = append(deps, cfg.VisionService)
	}
	return deps, nil, nil
}

// DefaultConfig returns a config with every default filled in for the given port.
func DefaultConfig(port string) *Config {
	cfg := &Config{Port: port}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Baudrate == 0 {
		cfg.Baudrate = 115200
	}
	if cfg.CommandTimeoutSec == 0 {
		cfg.CommandTimeoutSec = 2
	}
	if cfg.BootDelaySec == 0 {
		cfg.BootDelaySec = 2
	}
	if cfg.CompletionCacheExpirySec == 0 {
		cfg.CompletionCacheExpirySec = 5
	}
	if cfg.LimitPollDelayMs == 0 {
		cfg.LimitPollDelayMs = 100
	}
	if cfg.LimitPollIntervalMs == 0 {
		cfg.LimitPollIntervalMs = 150
	}
	if cfg.ResponseQueueSize == 0 {
		cfg.ResponseQueueSize = 256
	}
	if cfg.DataDir == "" {
		cfg.DataDir = os.Getenv("VIAM_MODULE_DATA")
		if cfg.DataDir == "" {
			cfg.DataDir = "/tmp" // Fallback if VIAM_MODULE_DATA not set
		}
	}

	m := &cfg.Motion
	setDefault(&m.StepsPerMMH, 40)
	setDefault(&m.StepsPerMMV, 200)
	setDefaultInt(&m.NormalSpeedH, 8000)
	setDefaultInt(&m.NormalSpeedV, 12000)
	setDefaultInt(&m.HomingSpeedH, 3000)
	setDefaultInt(&m.HomingSpeedV, 8000)
	setDefault(&m.HomingDistanceH, 3000)
	setDefault(&m.HomingDistanceV, 5000)
	setDefault(&m.HomeOffsetH, 10)
	setDefault(&m.HomeOffsetV, 10)
	if m.XAxisInverted == nil {
		inverted := true
		m.XAxisInverted = &inverted
	}
	if m.YAxisInverted == nil {
		inverted := false
		m.YAxisInverted = &inverted
	}
	setDefault(&m.MaxX, 1800)
	setDefault(&m.MaxY, 1000)
	setDefault(&m.LimitBackoffMM, 20)
	setDefault(&m.SafetyMarginMM, 10)
	setDefault(&m.MinCaptureMM, 50)
	setDefault(&m.LimitReleaseSec, 1)
	setDefault(&m.RightLimitSec, 30)
	setDefault(&m.UpLimitSec, 180)
	setDefault(&m.LeftLimitSec, 30)
	setDefault(&m.DownLimitSec, 60)
	setDefault(&m.ShortMoveSec, 10)
	setDefault(&m.TravelTimeoutSec, 180)

	setDefaultInt(&cfg.Arm.StateTolerance, 5)
	setDefault(&cfg.Arm.StepWatchdogSec, 5)
	setDefault(&cfg.Arm.GripperWatchdogSec, 10)

	setDefault(&cfg.Mission.EdgeBackoffMM, 20)
	setDefault(&cfg.Mission.DepositOffsetMM, 250)
	if cfg.Mission.LayoutFile == "" {
		cfg.Mission.LayoutFile = "crop_layout.yaml"
	}
	setDefaultInt(&cfg.Mission.CorrectionIterations, 5)
	setDefault(&cfg.Mission.CorrectionToleranceMM, 1)
	if cfg.Mission.CameraOwner == "" {
		cfg.Mission.CameraOwner = "mission"
	}

	if cfg.Vision.MimeType == "" {
		cfg.Vision.MimeType = "image/jpeg"
	}
	if len(cfg.Vision.ReadyLabels) == 0 {
		cfg.Vision.ReadyLabels = []string{"ready"}
	}
	if len(cfg.Vision.EmptyLabels) == 0 {
		cfg.Vision.EmptyLabels = []string{"empty"}
	}
	setDefault(&cfg.Vision.MinConfidence, 0.5)

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.Topic == "" {
			cfg.MQTT.Topic = "harvester/status"
		}
		if cfg.MQTT.ClientID == "" {
			cfg.MQTT.ClientID = "harvester-supervisor"
		}
	}
}

func setDefault(v *float64, def float64) {
	if *v == 0 {
		*v = def
	}
}

func setDefaultInt(v *int, def int) {
	if *v == 0 {
		*v = def
	}
}

// LoadConfig reads a JSON config file and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config JSON")
	}
	if _, _, err := cfg.Validate(path); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ResolvePath makes a relative file name absolute against the data dir.
func (cfg *Config) ResolvePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(cfg.DataDir, name)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// TransportConfig extracts the serial-link timings.
func (cfg *Config) TransportConfig() TransportConfig {
	return TransportConfig{
		CommandTimeout:        seconds(cfg.CommandTimeoutSec),
		BootDelay:             seconds(cfg.BootDelaySec),
		CompletionCacheExpiry: seconds(cfg.CompletionCacheExpirySec),
		LimitPollDelay:        time.Duration(cfg.LimitPollDelayMs) * time.Millisecond,
		LimitPollInterval:     time.Duration(cfg.LimitPollIntervalMs) * time.Millisecond,
		QueueSize:             cfg.ResponseQueueSize,
	}
}

func (m MotionConfig) xInverted() bool { return m.XAxisInverted != nil && *m.XAxisInverted }
func (m MotionConfig) yInverted() bool { return m.YAxisInverted != nil && *m.YAxisInverted }

// ApplyX flips a horizontal distance when the X axis is inverted.
func (m MotionConfig) ApplyX(d float64) float64 {
	if m.xInverted() {
		return -d
	}
	return d
}

// ApplyY flips a vertical distance when the Y axis is inverted.
func (m MotionConfig) ApplyY(d float64) float64 {
	if m.yInverted() {
		return -d
	}
	return d
}

// Direction that drives toward the right limit.
func (m MotionConfig) homingX() float64 { return m.ApplyX(-m.HomingDistanceH) }

// Direction that drives toward the upper limit.
func (m MotionConfig) homingY() float64 { return m.ApplyY(-m.HomingDistanceV) }

func (m MotionConfig) homeOffsetX() float64 { return m.ApplyX(m.HomeOffsetH) }
func (m MotionConfig) homeOffsetY() float64 { return m.ApplyY(m.HomeOffsetV) }

// Directions used while measuring the workspace (toward left and down).
func (m MotionConfig) measureX() float64 { return m.ApplyX(m.HomingDistanceH) }
func (m MotionConfig) measureY() float64 { return m.ApplyY(m.HomingDistanceV) }

// Display converts a firmware-frame position to logical coordinates. The
// conversion is its own inverse, so it also maps logical targets back.
func (m MotionConfig) Display(p Position) Position {
	out := p
	if m.xInverted() {
		out.X = -out.X
	}
	if m.yInverted() {
		out.Y = -out.Y
	}
	return out
}
