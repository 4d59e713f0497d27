package harvester

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ActionType names a firmware action whose start and completion are reported
// as <ACTION>_STARTED and <ACTION>_COMPLETED lines.
type ActionType string

const (
	ActionStepperMove   ActionType = "STEPPER_MOVE"
	ActionServoMove     ActionType = "SERVO_MOVE"
	ActionGripperAction ActionType = "GRIPPER_ACTION"
)

// EventKind identifies which handler an incoming line is dispatched to.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventStepperStarted
	EventStepperCompleted
	EventServoStarted
	EventServoCompleted
	EventGripperStarted
	EventGripperCompleted
	EventActionStarted
	EventActionCompleted
	EventEmergencyStop
	EventPositionDelta
	EventLimitTriggered
	EventLimitStatus
	EventSystemStatus
	EventSnapshots
)

func (k EventKind) String() string {
	switch k {
	case EventStepperStarted:
		return "stepper_started"
	case EventStepperCompleted:
		return "stepper_completed"
	case EventServoStarted:
		return "servo_started"
	case EventServoCompleted:
		return "servo_completed"
	case EventGripperStarted:
		return "gripper_started"
	case EventGripperCompleted:
		return "gripper_completed"
	case EventActionStarted:
		return "action_started"
	case EventActionCompleted:
		return "action_completed"
	case EventEmergencyStop:
		return "emergency_stop"
	case EventPositionDelta:
		return "position_delta"
	case EventLimitTriggered:
		return "limit_triggered"
	case EventLimitStatus:
		return "limit_status"
	case EventSystemStatus:
		return "system_status"
	case EventSnapshots:
		return "snapshots"
	default:
		return "unknown"
	}
}

// essential reports whether a handler for this kind survives ResetTransient.
func (k EventKind) essential() bool {
	switch k {
	case EventSystemStatus,
		EventStepperStarted, EventStepperCompleted,
		EventServoStarted, EventServoCompleted,
		EventGripperStarted, EventGripperCompleted,
		EventLimitTriggered, EventEmergencyStop, EventPositionDelta:
		return true
	default:
		return false
	}
}

// MoveDelta is the REL:dh,dv,MM:mm_h,mm_v payload of a move report.
type MoveDelta struct {
	StepsH int
	StepsV int
	MMH    float64
	MMV    float64
}

// Event is a classified asynchronous line.
type Event struct {
	Kind      EventKind
	Action    ActionType
	Raw       string
	Delta     *MoveDelta
	Limit     Limit
	Snapshots []Snapshot
	// At is when the reader received the line.
	At time.Time
}

// EventHandler receives events on the dispatch goroutine.
type EventHandler func(Event)

func startedKind(action ActionType) EventKind {
	switch action {
	case ActionStepperMove:
		return EventStepperStarted
	case ActionServoMove:
		return EventServoStarted
	case ActionGripperAction:
		return EventGripperStarted
	default:
		return EventActionStarted
	}
}

func completedKind(action ActionType) EventKind {
	switch action {
	case ActionStepperMove:
		return EventStepperCompleted
	case ActionServoMove:
		return EventServoCompleted
	case ActionGripperAction:
		return EventGripperCompleted
	default:
		return EventActionCompleted
	}
}

const (
	completedSuffix = "_COMPLETED"
	startedSuffix   = "_STARTED"
)

// actionTag returns the TAG of a TAG_SUFFIX[:payload] line.
func actionTag(line, suffix string) (ActionType, bool) {
	head := line
	if i := strings.IndexByte(line, ':'); i >= 0 {
		head = line[:i]
	}
	if !strings.HasSuffix(head, suffix) || len(head) == len(suffix) {
		return "", false
	}
	return ActionType(strings.TrimSuffix(head, suffix)), true
}

// classifyLine turns a line into the events it carries. A line that is not an
// asynchronous notification yields nil and belongs to the response reader.
// Events may be returned together with an error for a partially parsed line.
func classifyLine(line string) ([]Event, error) {
	if action, ok := actionTag(line, completedSuffix); ok {
		return withDelta(line, action, Event{Kind: completedKind(action), Action: action, Raw: line})
	}

	if strings.HasPrefix(line, "STEPPER_EMERGENCY_STOP") {
		return withDelta(line, ActionStepperMove, Event{Kind: EventEmergencyStop, Action: ActionStepperMove, Raw: line})
	}

	if action, ok := actionTag(line, startedSuffix); ok {
		return []Event{{Kind: startedKind(action), Action: action, Raw: line}}, nil
	}

	if strings.HasPrefix(line, "LIMIT_") {
		if strings.HasPrefix(line, "LIMIT_STATUS") {
			return []Event{{Kind: EventLimitStatus, Raw: line}}, nil
		}
		if strings.Contains(line, "_TRIGGERED") {
			limit, err := parseTriggeredLimit(line)
			if err != nil {
				return nil, err
			}
			return []Event{{Kind: EventLimitTriggered, Raw: line, Limit: limit}}, nil
		}
	}

	if strings.HasPrefix(line, "MOVEMENT_SNAPSHOTS:") {
		snaps, err := ParseSnapshots(strings.TrimPrefix(line, "MOVEMENT_SNAPSHOTS:"))
		if err != nil {
			return nil, err
		}
		return []Event{{Kind: EventSnapshots, Raw: line, Snapshots: snaps}}, nil
	}

	if strings.HasPrefix(line, "SYSTEM_STATUS:") {
		return []Event{{Kind: EventSystemStatus, Raw: line}}, nil
	}

	return nil, nil
}

// withDelta precedes ev with a position delta when the line carries one. A
// delta that fails to parse is reported, but ev is still returned so the
// completion is not lost.
func withDelta(line string, action ActionType, ev Event) ([]Event, error) {
	if !strings.Contains(line, "MM:") {
		return []Event{ev}, nil
	}
	delta, err := ParseMoveDelta(line)
	if err != nil {
		return []Event{ev}, err
	}
	return []Event{{Kind: EventPositionDelta, Action: action, Raw: line, Delta: delta}, ev}, nil
}

// ParseMoveDelta extracts REL:dh,dv and MM:mm_h,mm_v from a move report.
// The REL section is optional.
func ParseMoveDelta(line string) (*MoveDelta, error) {
	mmIdx := strings.Index(line, "MM:")
	if mmIdx < 0 {
		return nil, errors.Errorf("no MM: section in %q", line)
	}
	mmH, mmV, err := parseFloatPair(line[mmIdx+len("MM:"):])
	if err != nil {
		return nil, errors.Wrapf(err, "bad MM: section in %q", line)
	}
	delta := &MoveDelta{MMH: mmH, MMV: mmV}

	if relIdx := strings.Index(line, "REL:"); relIdx >= 0 && relIdx < mmIdx {
		rel := strings.TrimSuffix(strings.TrimSpace(line[relIdx+len("REL:"):mmIdx]), ",")
		parts := strings.Split(rel, ",")
		if len(parts) >= 2 {
			h, errH := strconv.Atoi(strings.TrimSpace(parts[0]))
			v, errV := strconv.Atoi(strings.TrimSpace(parts[1]))
			if errH == nil && errV == nil {
				delta.StepsH, delta.StepsV = h, v
			}
		}
	}
	return delta, nil
}

// parseFloatPair reads "a,b" from the start of s, ignoring trailing fields.
func parseFloatPair(s string) (float64, float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) < 2 {
		return 0, 0, errors.Errorf("expected two values, got %q", s)
	}
	a, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, errors.Wrap(err, "first value")
	}
	b, err := strconv.ParseFloat(strings.TrimSpace(firstField(parts[1])), 64)
	if err != nil {
		return 0, 0, errors.Wrap(err, "second value")
	}
	return a, b, nil
}

// firstField trims anything after a separator the firmware may append.
func firstField(s string) string {
	if i := strings.IndexAny(s, " ;"); i >= 0 {
		return s[:i]
	}
	return s
}
