package harvester

import (
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

// fakeFirmware answers the serial protocol over an in-memory pipe. Positions
// are in the firmware frame; the switches sit at fixed coordinates.
type fakeFirmware struct {
	hostR *io.PipeReader
	fwW   *io.PipeWriter
	wmu   sync.Mutex
	wg    sync.WaitGroup

	mu       sync.Mutex
	buf      []byte
	commands []string
	writes   []string
	closed   bool

	pos                       Position
	hLeft, hRight, vUp, vDown float64
	servo1, servo2            int
	gripper                   GripperState
	flags                     []Position
	eventDelay                time.Duration
	// origin is where the controller zeroed its counter; XY? and snapshots
	// are reported relative to it.
	origin Position

	// errs maps an opcode to the ERR: line it is answered with. An empty
	// line leaves the command unanswered.
	errs map[string]string
	// silent opcodes take effect without a completion event.
	silent map[string]bool
	// onCommand runs under f.mu before each command is answered.
	onCommand func(f *fakeFirmware, cmd string)
}

func newFakeFirmware() *fakeFirmware {
	r, w := io.Pipe()
	return &fakeFirmware{
		hostR:      r,
		fwW:        w,
		hLeft:      -1200,
		hRight:     300,
		vUp:        -200,
		vDown:      800,
		servo1:     10,
		servo2:     10,
		gripper:    GripperOpen,
		eventDelay: 5 * time.Millisecond,
		errs:       map[string]string{},
		silent:     map[string]bool{},
	}
}

// install makes openPort return fw for the duration of the test.
func (f *fakeFirmware) install(t *testing.T) {
	t.Helper()
	orig := openPort
	openPort = func(name string, baud int) (Port, error) { return f, nil }
	t.Cleanup(func() {
		openPort = orig
		f.wg.Wait()
	})
}

func (f *fakeFirmware) Read(p []byte) (int, error) { return f.hostR.Read(p) }

func (f *fakeFirmware) ResetInputBuffer() error { return nil }

func (f *fakeFirmware) SetReadTimeout(time.Duration) error { return nil }

func (f *fakeFirmware) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.fwW.Close()
	return f.hostR.Close()
}

// Write collects <cmd> frames and answers each one.
func (f *fakeFirmware) Write(p []byte) (int, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	f.writes = append(f.writes, string(p))
	f.buf = append(f.buf, p...)
	var cmds []string
	for {
		start := strings.IndexByte(string(f.buf), '<')
		end := strings.IndexByte(string(f.buf), '>')
		if start < 0 || end < start {
			break
		}
		cmds = append(cmds, string(f.buf[start+1:end]))
		f.buf = f.buf[end+1:]
	}
	f.commands = append(f.commands, cmds...)
	f.mu.Unlock()

	for _, cmd := range cmds {
		f.handle(cmd)
	}
	return len(p), nil
}

func (f *fakeFirmware) emit(lines ...string) {
	f.wmu.Lock()
	defer f.wmu.Unlock()
	for _, l := range lines {
		if _, err := f.fwW.Write([]byte(l + "\r\n")); err != nil {
			return
		}
	}
}

// later emits lines after the event delay.
func (f *fakeFirmware) later(fn func() []string) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		time.Sleep(f.eventDelay)
		if lines := fn(); len(lines) > 0 {
			f.emit(lines...)
		}
	}()
}

func (f *fakeFirmware) handle(cmd string) {
	opcode := commandOpcode(cmd)
	args := strings.TrimPrefix(cmd, opcode+":")

	f.mu.Lock()
	if f.onCommand != nil {
		f.onCommand(f, cmd)
	}
	errLine, fails := f.errs[opcode]
	silent := f.silent[opcode]
	f.mu.Unlock()
	if fails {
		if errLine != "" {
			f.emit(errLine)
		}
		return
	}

	switch opcode {
	case "HB", "V", "RA", "RP":
		f.emit("OK:" + cmd)
	case "S":
		f.emit("OK:STOP")
	case "Q":
		f.mu.Lock()
		s1, s2 := f.servo1, f.servo2
		f.mu.Unlock()
		f.emit(fmt.Sprintf("OK:SERVO_POS:%d,%d", s1, s2))
	case "G?":
		f.emit(fmt.Sprintf("OK:GRIPPER_STATUS:%s,0", strings.ToUpper(string(f.gripperState()))))
	case "XY?":
		f.mu.Lock()
		p := f.pos.Add(-f.origin.X, -f.origin.Y)
		f.mu.Unlock()
		f.emit(fmt.Sprintf("OK:POSITION:MM:%.1f,%.1f", p.X, p.Y))
	case "L":
		f.emit(f.limitLine(), "OK:LIMITS")
	case "S?":
		f.mu.Lock()
		line := fmt.Sprintf("SYSTEM_STATUS:servo1=%d,servo2=%d,gripper=%s", f.servo1, f.servo2, f.gripper)
		f.mu.Unlock()
		f.emit(line, "OK:STATUS")
	case "GT":
		f.mu.Lock()
		if f.gripper == GripperOpen {
			f.gripper = GripperClosed
		} else {
			f.gripper = GripperOpen
		}
		g := f.gripper
		f.mu.Unlock()
		f.emit("OK:GRIPPER_TOGGLE")
		if !silent {
			f.later(func() []string {
				return []string{"GRIPPER_ACTION_STARTED", "GRIPPER_ACTION_COMPLETED:" + strings.ToUpper(string(g))}
			})
		}
	case "A":
		parts := strings.Split(args, ",")
		if len(parts) != 3 {
			f.emit("ERR:INVALID_ARM_PARAMS")
			return
		}
		s1, _ := strconv.Atoi(parts[0])
		s2, _ := strconv.Atoi(parts[1])
		f.emit("OK:ARM_SMOOTH:" + args)
		f.later(func() []string {
			f.mu.Lock()
			f.servo1, f.servo2 = s1, s2
			f.mu.Unlock()
			if silent {
				return nil
			}
			return []string{"SERVO_MOVE_STARTED", "SERVO_MOVE_COMPLETED"}
		})
	case "P":
		f.emit("OK:SERVO_POS:" + args)
		f.later(func() []string { return []string{"SERVO_MOVE_COMPLETED"} })
	case "M":
		dx, dy, err := parseFloatPair(args)
		if err != nil {
			f.emit("ERR:INVALID_PARAMS_MOVE_XY:<" + args + ">")
			return
		}
		f.emit("OK:MOVE_XY:" + args)
		f.later(func() []string { return f.move(dx, dy, silent) })
	default:
		f.emit("ERR:UNKNOWN_CMD:" + cmd)
	}
}

// move applies a relative move, stopping at the first switch on the way.
func (f *fakeFirmware) move(dx, dy float64, silent bool) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	from := f.pos
	to := from.Add(dx, dy)
	hit := LimitNone
	switch {
	case dx > 0 && to.X >= f.hRight:
		to.X, hit = f.hRight, LimitHRight
	case dx < 0 && to.X <= f.hLeft:
		to.X, hit = f.hLeft, LimitHLeft
	}
	switch {
	case dy < 0 && to.Y <= f.vUp:
		to.Y, hit = f.vUp, LimitVUp
	case dy > 0 && to.Y >= f.vDown:
		to.Y, hit = f.vDown, LimitVDown
	}
	f.pos = to
	mmH, mmV := to.X-from.X, to.Y-from.Y
	report := fmt.Sprintf("REL:%d,%d,MM:%.1f,%.1f", int(mmH*40), int(mmV*200), mmH, mmV)

	lines := []string{"STEPPER_MOVE_STARTED"}
	var snaps []string
	for _, p := range f.flags {
		if between(p.X, from.X, to.X) && between(p.Y, from.Y, to.Y) {
			snaps = append(snaps, fmt.Sprintf("S%d=%.1f,%.1f", len(snaps)+1, p.X-f.origin.X, p.Y-f.origin.Y))
		}
	}
	if len(snaps) > 0 {
		lines = append(lines, "MOVEMENT_SNAPSHOTS:"+strings.Join(snaps, ";"))
	}
	if hit != LimitNone {
		return append(lines, hit.triggerTag(), "STEPPER_EMERGENCY_STOP:"+report)
	}
	if silent {
		return lines
	}
	return append(lines, "STEPPER_MOVE_COMPLETED:"+report)
}

func between(v, a, b float64) bool {
	lo, hi := math.Min(a, b), math.Max(a, b)
	return v >= lo-0.01 && v <= hi+0.01
}

func (f *fakeFirmware) limitLine() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	level := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}
	return fmt.Sprintf("LIMIT_STATUS:H_L=%d,H_R=%d,V_U=%d,V_D=%d",
		level(f.pos.X <= f.hLeft), level(f.pos.X >= f.hRight),
		level(f.pos.Y <= f.vUp), level(f.pos.Y >= f.vDown))
}

func (f *fakeFirmware) gripperState() GripperState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gripper
}

func (f *fakeFirmware) position() Position {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pos
}

func (f *fakeFirmware) servos() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.servo1, f.servo2
}

// sent returns the commands received so far.
func (f *fakeFirmware) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// sentWithOpcode returns the commands received with the given opcode.
func (f *fakeFirmware) sentWithOpcode(opcode string) []string {
	var out []string
	for _, c := range f.sent() {
		if commandOpcode(c) == opcode {
			out = append(out, c)
		}
	}
	return out
}

// rawWrites returns every buffer the host wrote, one entry per Write call.
func (f *fakeFirmware) rawWrites() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeFirmware) resetSent() {
	f.mu.Lock()
	f.commands = nil
	f.mu.Unlock()
}

func (f *fakeFirmware) set(fn func(f *fakeFirmware)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// testConfig is a config with short timeouts suited to the fake firmware.
func testConfig(dataDir string) *Config {
	cfg := &Config{
		Port:                     "/dev/ttyFAKE0",
		BootDelaySec:             0.001,
		CommandTimeoutSec:        1,
		CompletionCacheExpirySec: 5,
		LimitPollDelayMs:         100,
		LimitPollIntervalMs:      50,
		DataDir:                  dataDir,
	}
	cfg.Motion.LimitReleaseSec = 0.2
	cfg.Motion.ShortMoveSec = 2
	cfg.Motion.RightLimitSec = 3
	cfg.Motion.UpLimitSec = 3
	cfg.Motion.LeftLimitSec = 3
	cfg.Motion.DownLimitSec = 3
	cfg.Motion.TravelTimeoutSec = 3
	cfg.Arm.StepWatchdogSec = 1
	cfg.Arm.GripperWatchdogSec = 1
	cfg.applyDefaults()
	return cfg
}

// connectTransport connects a transport to fw and closes it at cleanup.
func connectTransport(t *testing.T, fw *fakeFirmware, cfg *Config, metrics *Metrics) *Transport {
	t.Helper()
	fw.install(t)
	tr := NewTransport(cfg.TransportConfig(), logging.NewTestLogger(t), metrics)
	require.NoError(t, tr.Connect(context.Background(), cfg.Port, cfg.Baudrate))
	t.Cleanup(func() { tr.Close() })
	return tr
}

// testRig is a robot and arm wired to the fake firmware over a real
// transport, with state persisted to a MemMapFs.
type testRig struct {
	fw    *fakeFirmware
	cfg   *Config
	tr    *Transport
	cmd   *Commands
	arm   *ArmController
	robot *RobotController
	fs    afero.Fs
	store *Store
}

func newTestRig(t *testing.T, fw *fakeFirmware) *testRig {
	t.Helper()
	cfg := testConfig("/data")
	logger := logging.NewTestLogger(t)
	fs := afero.NewMemMapFs()
	store := NewStore(fs, cfg.DataDir)
	tr := connectTransport(t, fw, cfg, nil)
	cmd := NewCommands(tr, 0)
	arm := NewArmController(cfg.Arm, tr, cmd, logger, nil)
	robot := NewRobotController(cfg.Motion, tr, cmd, arm, store, logger, nil)
	require.NoError(t, arm.RefreshState(context.Background()))
	return &testRig{fw: fw, cfg: cfg, tr: tr, cmd: cmd, arm: arm, robot: robot, fs: fs, store: store}
}

// home runs the homing sequence and zeroes the firmware counter at the new
// origin.
func (r *testRig) home(t *testing.T) {
	t.Helper()
	require.NoError(t, r.robot.Home(testContext(t)))
	r.fw.set(func(f *fakeFirmware) { f.origin = f.pos })
	r.fw.resetSent()
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}
