package harvester

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/utils"
)

const (
	readPollTimeout = 100 * time.Millisecond
	readRetryDelay  = 100 * time.Millisecond
	maxLineLength   = 4096
)

// TransportConfig holds the serial-link timings.
type TransportConfig struct {
	CommandTimeout        time.Duration
	BootDelay             time.Duration
	CompletionCacheExpiry time.Duration
	LimitPollDelay        time.Duration
	LimitPollInterval     time.Duration
	QueueSize             int
}

func (c *TransportConfig) fillDefaults() {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 2 * time.Second
	}
	if c.CompletionCacheExpiry <= 0 {
		c.CompletionCacheExpiry = 5 * time.Second
	}
	if c.LimitPollDelay <= 0 {
		c.LimitPollDelay = 100 * time.Millisecond
	}
	if c.LimitPollInterval <= 0 {
		c.LimitPollInterval = 150 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
}

type limitWaiter struct {
	target Limit // LimitNone matches any switch
	ch     chan string
}

// Transport owns the serial link. One reader goroutine classifies incoming
// lines. Responses go to a bounded queue consumed by SendCommand, events go
// to a single dispatch goroutine that runs handlers in arrival order.
type Transport struct {
	cfg     TransportConfig
	logger  logging.Logger
	metrics *Metrics

	cmdMu sync.Mutex // one synchronous command in flight

	mu        sync.Mutex
	port      Port
	stop      chan struct{}
	pending   bool
	handlers  map[EventKind]EventHandler
	waiters   map[ActionType]chan struct{}
	completed map[ActionType]time.Time
	started   map[ActionType]time.Time
	armed     map[ActionType]time.Time
	limits    LimitStatus
	limitWait []*limitWaiter
	snapshots *snapshotBuffer

	responses chan string
	events    *eventQueue
	wg        sync.WaitGroup
}

// NewTransport returns a disconnected transport.
func NewTransport(cfg TransportConfig, logger logging.Logger, metrics *Metrics) *Transport {
	cfg.fillDefaults()
	return &Transport{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		handlers:  make(map[EventKind]EventHandler),
		waiters:   make(map[ActionType]chan struct{}),
		completed: make(map[ActionType]time.Time),
		started:   make(map[ActionType]time.Time),
		armed:     make(map[ActionType]time.Time),
		snapshots: newSnapshotBuffer(),
		responses: make(chan string, cfg.QueueSize),
		events:    newEventQueue(),
	}
}

// Connect opens the port, drains boot noise and starts the reader and
// dispatcher. The heartbeat is switched off best-effort.
func (t *Transport) Connect(ctx context.Context, portName string, baud int) error {
	t.mu.Lock()
	if t.port != nil {
		t.mu.Unlock()
		return errors.New("transport already connected")
	}
	t.mu.Unlock()

	port, err := openPort(portName, baud)
	if err != nil {
		return errors.Wrapf(err, "failed to open serial port %s", portName)
	}
	if err := port.SetReadTimeout(readPollTimeout); err != nil {
		port.Close()
		return errors.Wrap(err, "failed to set read timeout")
	}

	// The controller resets when the port opens.
	if !utils.SelectContextOrWait(ctx, t.cfg.BootDelay) {
		port.Close()
		return errors.Wrap(ctx.Err(), "connect cancelled during boot delay")
	}
	if err := port.ResetInputBuffer(); err != nil {
		t.logger.Warnf("failed to reset input buffer: %v", err)
	}

	stop := make(chan struct{})
	t.mu.Lock()
	t.port = port
	t.stop = stop
	t.mu.Unlock()

	t.wg.Add(2)
	utils.ManagedGo(func() { t.readLoop(port, stop) }, t.wg.Done)
	utils.ManagedGo(func() { t.dispatchLoop(stop) }, t.wg.Done)

	t.logger.Infof("Connected to %s at %d baud", portName, baud)
	if _, err := t.SendCommand(ctx, "HB:0", 0); err != nil {
		t.logger.Warnf("failed to disable heartbeat: %v", err)
	}
	return nil
}

// Connected reports whether the port is open.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// Close disables the heartbeat, stops both goroutines and closes the port.
func (t *Transport) Close() error {
	if !t.Connected() {
		return nil
	}
	if _, err := t.SendCommand(context.Background(), "HB:0", 0); err != nil {
		t.logger.Debugf("failed to disable heartbeat on close: %v", err)
	}

	t.mu.Lock()
	port := t.port
	if port == nil {
		t.mu.Unlock()
		return nil
	}
	t.port = nil
	close(t.stop)
	t.mu.Unlock()

	err := port.Close()
	t.wg.Wait()
	t.logger.Info("Serial port closed")
	if err != nil {
		return errors.Wrap(err, "failed to close serial port")
	}
	return nil
}

// SendCommand writes <cmd> and collects lines until OK: or ERR:. A zero
// timeout uses the configured command timeout.
func (t *Transport) SendCommand(ctx context.Context, cmd string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = t.cfg.CommandTimeout
	}

	t.cmdMu.Lock()
	defer t.cmdMu.Unlock()

	t.mu.Lock()
	port, stop := t.port, t.stop
	if port == nil {
		t.mu.Unlock()
		return "", ErrNotConnected
	}
	t.drainResponses()
	if action, ok := commandAction(cmd); ok {
		t.armed[action] = time.Now()
	}
	t.pending = true
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.pending = false
		t.mu.Unlock()
	}()

	opcode := commandOpcode(cmd)
	start := time.Now()
	resp, err := t.exchange(ctx, port, stop, cmd, timeout)
	t.metrics.CommandDone(opcode, time.Since(start).Seconds(), err)
	return resp, err
}

func (t *Transport) exchange(ctx context.Context, port Port, stop <-chan struct{}, cmd string, timeout time.Duration) (string, error) {
	t.logger.Debugf("TX: %s", cmd)
	if _, err := port.Write([]byte("<" + cmd + ">")); err != nil {
		return "", errors.Wrapf(err, "failed to write %q to serial port", cmd)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var lines []string
	for {
		select {
		case line := <-t.responses:
			lines = append(lines, line)
			if strings.HasPrefix(line, "OK:") {
				return strings.Join(lines, "\n"), nil
			}
			if strings.HasPrefix(line, "ERR:") {
				return strings.Join(lines, "\n"), &FirmwareError{Command: cmd, Reply: line}
			}
		case <-timer.C:
			return strings.Join(lines, "\n"), &TimeoutError{Op: "command " + cmd, Timeout: timeout}
		case <-ctx.Done():
			return strings.Join(lines, "\n"), errors.Wrapf(ctx.Err(), "command %s", cmd)
		case <-stop:
			return "", ErrNotConnected
		}
	}
}

// drainResponses empties the response queue. Caller holds t.mu.
func (t *Transport) drainResponses() {
	for {
		select {
		case <-t.responses:
		default:
			return
		}
	}
}

// pushResponse enqueues a line, dropping the oldest one when full.
func (t *Transport) pushResponse(line string) {
	for {
		select {
		case t.responses <- line:
			return
		default:
		}
		select {
		case <-t.responses:
			t.metrics.DroppedLine()
		default:
		}
	}
}

func (t *Transport) readLoop(port Port, stop <-chan struct{}) {
	buf := make([]byte, 256)
	var partial []byte
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := port.Read(buf)
		if n > 0 {
			partial = append(partial, buf[:n]...)
			for {
				i := bytes.IndexByte(partial, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimSpace(string(partial[:i]))
				partial = partial[i+1:]
				if line != "" {
					t.handleLine(line)
				}
			}
			if len(partial) > maxLineLength {
				t.logger.Warnf("discarding %d bytes without line terminator", len(partial))
				partial = partial[:0]
			}
		}
		if err != nil {
			select {
			case <-stop:
				return
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				t.logger.Warnf("serial port closed: %v", err)
				return
			}
			t.logger.Warnf("serial read error: %v", err)
			select {
			case <-stop:
				return
			case <-time.After(readRetryDelay):
			}
		}
	}
}

// handleLine classifies one line on the reader goroutine.
func (t *Transport) handleLine(line string) {
	t.logger.Debugf("RX: %s", line)
	now := time.Now()

	t.mu.Lock()
	pending := t.pending
	t.mu.Unlock()

	events, err := classifyLine(line)
	if err != nil {
		t.logger.Warnf("malformed line %q: %v", line, err)
		t.metrics.MalformedLine()
	}
	if events == nil {
		if err == nil || pending {
			t.pushResponse(line)
		}
		return
	}
	if pending {
		t.pushResponse(line)
	}
	for i := range events {
		events[i].At = now
	}
	t.events.push(events...)
}

func (t *Transport) dispatchLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-t.events.notify:
			for _, ev := range t.events.pop() {
				t.dispatch(ev)
			}
		}
	}
}

// dispatch updates transport state for one event, then runs its handler.
func (t *Transport) dispatch(ev Event) {
	t.metrics.Event(ev.Kind)

	t.mu.Lock()
	switch ev.Kind {
	case EventStepperStarted, EventServoStarted, EventGripperStarted, EventActionStarted:
		t.started[ev.Action] = ev.At
		t.snapshots.clear()
	case EventStepperCompleted, EventServoCompleted, EventGripperCompleted, EventActionCompleted:
		if w, ok := t.waiters[ev.Action]; ok {
			delete(t.waiters, ev.Action)
			close(w)
		} else {
			t.completed[ev.Action] = ev.At
		}
	case EventLimitTriggered:
		t.limits.set(ev.Limit, true)
		t.limits.LastUpdate = ev.At
		t.signalLimit(ev.Limit, ev.Raw)
	case EventLimitStatus:
		t.limits.updateFromResponse(ev.Raw, ev.At)
	case EventSnapshots:
		t.snapshots.add(ev.Snapshots)
	}
	h := t.handlers[ev.Kind]
	t.mu.Unlock()

	if h != nil {
		h(ev)
	}
}

// signalLimit wakes waiters for the triggered switch. Caller holds t.mu.
func (t *Transport) signalLimit(l Limit, raw string) {
	kept := t.limitWait[:0]
	for _, w := range t.limitWait {
		if w.target == LimitNone || w.target == l {
			select {
			case w.ch <- raw:
			default:
			}
			continue
		}
		kept = append(kept, w)
	}
	t.limitWait = kept
}

// SetHandler installs the handler for kind. A nil handler removes it.
func (t *Transport) SetHandler(kind EventKind, h EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h == nil {
		delete(t.handlers, kind)
		return
	}
	t.handlers[kind] = h
}

// Handler returns the installed handler for kind, or nil.
func (t *Transport) Handler(kind EventKind) EventHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handlers[kind]
}

// WaitForCompletion blocks until action reports _COMPLETED. A completion
// that arrived before the call counts when it is fresh, and no newer start
// or command for the same action has been seen since.
func (t *Transport) WaitForCompletion(ctx context.Context, action ActionType, timeout time.Duration) error {
	t.mu.Lock()
	if t.port == nil {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if done, ok := t.completed[action]; ok {
		delete(t.completed, action)
		fresh := time.Since(done) <= t.cfg.CompletionCacheExpiry
		if fresh && !t.started[action].After(done) && !t.armed[action].After(done) {
			t.mu.Unlock()
			t.metrics.CompletionCacheHit()
			return nil
		}
	}
	if _, busy := t.waiters[action]; busy {
		t.mu.Unlock()
		return errors.Errorf("already waiting for %s completion", action)
	}
	w := make(chan struct{})
	t.waiters[action] = w
	stop := t.stop
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.waiters[action] == w {
			delete(t.waiters, action)
		}
		t.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w:
		return nil
	case <-timer.C:
		return &TimeoutError{Op: "wait for " + string(action) + " completion", Timeout: timeout}
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "wait for %s completion", action)
	case <-stop:
		return ErrNotConnected
	}
}

// WaitForLimitSpecific waits for target to trigger. When no trigger arrives
// within the poll delay the switch levels are queried until it asserts, and
// the result is LIMIT_POLLED:<target>.
func (t *Transport) WaitForLimitSpecific(ctx context.Context, target Limit, timeout time.Duration) (string, error) {
	return t.waitLimit(ctx, target, timeout)
}

// WaitForLimit waits for any switch.
func (t *Transport) WaitForLimit(ctx context.Context, timeout time.Duration) (string, error) {
	return t.waitLimit(ctx, LimitNone, timeout)
}

func (t *Transport) waitLimit(ctx context.Context, target Limit, timeout time.Duration) (string, error) {
	w := &limitWaiter{target: target, ch: make(chan string, 1)}
	t.mu.Lock()
	if t.port == nil {
		t.mu.Unlock()
		return "", ErrNotConnected
	}
	t.limitWait = append(t.limitWait, w)
	stop := t.stop
	t.mu.Unlock()

	defer t.removeLimitWaiter(w)

	op := "wait for limit " + target.String()
	if target == LimitNone {
		op = "wait for any limit"
	}
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	poll := time.NewTimer(t.cfg.LimitPollDelay)
	defer poll.Stop()

	for {
		select {
		case msg := <-w.ch:
			return msg, nil
		case <-poll.C:
			if msg, ok := t.pollLimit(ctx, target, time.Until(deadline)); ok {
				return msg, nil
			}
			poll.Reset(t.cfg.LimitPollInterval)
		case <-timer.C:
			return "", &TimeoutError{Op: op, Timeout: timeout}
		case <-ctx.Done():
			return "", errors.Wrap(ctx.Err(), op)
		case <-stop:
			return "", ErrNotConnected
		}
	}
}

func (t *Transport) pollLimit(ctx context.Context, target Limit, remaining time.Duration) (string, bool) {
	if remaining <= 0 {
		return "", false
	}
	t.metrics.LimitPoll()
	if _, err := t.checkLimits(ctx, minDuration(remaining, t.cfg.CommandTimeout)); err != nil {
		t.logger.Debugf("limit poll failed: %v", err)
		return "", false
	}
	status := t.LimitStatus()
	if target == LimitNone {
		active := status.Active()
		if len(active) == 0 {
			return "", false
		}
		names := make([]string, len(active))
		for i, l := range active {
			names[i] = l.String()
		}
		return "LIMIT_POLLED:" + strings.Join(names, ","), true
	}
	if status.Get(target) {
		return "LIMIT_POLLED:" + target.String(), true
	}
	return "", false
}

func (t *Transport) removeLimitWaiter(w *limitWaiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, other := range t.limitWait {
		if other == w {
			t.limitWait = append(t.limitWait[:i], t.limitWait[i+1:]...)
			return
		}
	}
}

// CheckLimits issues L and refreshes the limit record from the reply.
func (t *Transport) CheckLimits(ctx context.Context) (string, error) {
	return t.checkLimits(ctx, 0)
}

func (t *Transport) checkLimits(ctx context.Context, timeout time.Duration) (string, error) {
	resp, err := t.SendCommand(ctx, "L", timeout)
	if err != nil {
		return resp, err
	}
	t.mu.Lock()
	t.limits.updateFromResponse(resp, time.Now())
	t.mu.Unlock()
	return resp, nil
}

// LimitStatus returns a copy of the limit record.
func (t *Transport) LimitStatus() LimitStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limits
}

// Snapshots returns the snapshots of the current move in order.
func (t *Transport) Snapshots() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshots.list()
}

// ClearSnapshots discards the buffered snapshots.
func (t *Transport) ClearSnapshots() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.snapshots.clear()
}

// ResetTransient clears per-scan state. Handlers for essential event kinds
// are kept.
func (t *Transport) ResetTransient() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.drainResponses()
	for kind := range t.handlers {
		if !kind.essential() {
			delete(t.handlers, kind)
		}
	}
	t.waiters = make(map[ActionType]chan struct{})
	t.limitWait = nil
	t.completed = make(map[ActionType]time.Time)
	t.started = make(map[ActionType]time.Time)
	t.armed = make(map[ActionType]time.Time)
	t.snapshots.clear()
	t.logger.Debug("Transport transient state reset")
}

// commandAction maps a command to the action whose completion it causes.
func commandAction(cmd string) (ActionType, bool) {
	switch commandOpcode(cmd) {
	case "M":
		return ActionStepperMove, true
	case "A", "P":
		return ActionServoMove, true
	case "GT":
		return ActionGripperAction, true
	default:
		return "", false
	}
}

func commandOpcode(cmd string) string {
	if i := strings.IndexByte(cmd, ':'); i >= 0 {
		return cmd[:i]
	}
	return cmd
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// eventQueue is an unbounded FIFO between the reader and the dispatcher so
// a handler that sends commands never blocks the reader.
type eventQueue struct {
	mu     sync.Mutex
	items  []Event
	notify chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{notify: make(chan struct{}, 1)}
}

func (q *eventQueue) push(events ...Event) {
	q.mu.Lock()
	q.items = append(q.items, events...)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *eventQueue) pop() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
