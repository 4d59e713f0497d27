package harvester

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrNotConnected         = errors.New("serial port not connected")
	ErrNotHomed             = errors.New("robot is not homed")
	ErrArmNotSafe           = errors.New("arm is not in a safe configuration for XY travel")
	ErrOutOfBounds          = errors.New("target position outside workspace")
	ErrNoTrajectory         = errors.New("no trajectory defined")
	ErrTrajectoryInProgress = errors.New("a trajectory is already executing")
	ErrUnknownArmState      = errors.New("unknown arm state")
	ErrMissionBusy          = errors.New("a mission operation is already running")
	ErrCameraNotAcquired    = errors.New("camera not acquired")
	ErrNoScanner            = errors.New("no scanner configured")
	ErrNoClassifier         = errors.New("no classifier configured")
)

// TimeoutError reports a protocol deadline that passed without the expected
// terminal line, completion event or limit trigger.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %v", e.Op, e.Timeout)
}

// IsTimeout reports whether err is, or wraps, a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// FirmwareError is returned when the controller answers a command with ERR:.
type FirmwareError struct {
	Command string
	Reply   string
}

func (e *FirmwareError) Error() string {
	return fmt.Sprintf("firmware rejected %q: %s", e.Command, e.Reply)
}
