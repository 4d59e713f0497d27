package harvester

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exports supervisor counters. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	commandsTotal      *prometheus.CounterVec
	commandDuration    *prometheus.HistogramVec
	eventsTotal        *prometheus.CounterVec
	malformedLines     prometheus.Counter
	droppedLines       prometheus.Counter
	completionCacheHit prometheus.Counter
	limitPolls         prometheus.Counter
	homingRuns         *prometheus.CounterVec
	trajectories       *prometheus.CounterVec
	missionTransitions *prometheus.CounterVec
	positionMM         *prometheus.GaugeVec
}

// NewMetrics builds the collectors on their own registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_serial_commands_total",
			Help: "Synchronous serial commands by opcode and result.",
		}, []string{"opcode", "result"}),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_serial_command_duration_seconds",
			Help:    "Round-trip time of synchronous serial commands.",
			Buckets: prometheus.DefBuckets,
		}, []string{"opcode"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_serial_events_total",
			Help: "Asynchronous firmware events by kind.",
		}, []string{"kind"}),
		malformedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_serial_malformed_lines_total",
			Help: "Lines that could not be parsed.",
		}),
		droppedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_serial_dropped_lines_total",
			Help: "Response lines dropped because the queue was full.",
		}),
		completionCacheHit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_completion_cache_hits_total",
			Help: "Completion waits satisfied by an event that arrived first.",
		}),
		limitPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_limit_polls_total",
			Help: "Limit-status queries issued while waiting for a limit.",
		}),
		homingRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_homing_runs_total",
			Help: "Homing sequences by result.",
		}, []string{"result"}),
		trajectories: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_arm_trajectories_total",
			Help: "Arm trajectories by target state and result.",
		}, []string{"target", "result"}),
		missionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_mission_transitions_total",
			Help: "Mission state transitions by destination state.",
		}, []string{"state"}),
		positionMM: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harvester_global_position_mm",
			Help: "Accumulated global position per axis.",
		}, []string{"axis"}),
	}

	m.registry.MustRegister(
		m.commandsTotal,
		m.commandDuration,
		m.eventsTotal,
		m.malformedLines,
		m.droppedLines,
		m.completionCacheHit,
		m.limitPolls,
		m.homingRuns,
		m.trajectories,
		m.missionTransitions,
		m.positionMM,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CommandDone(opcode string, seconds float64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
		if IsTimeout(err) {
			result = "timeout"
		}
	}
	m.commandsTotal.WithLabelValues(opcode, result).Inc()
	m.commandDuration.WithLabelValues(opcode).Observe(seconds)
}

func (m *Metrics) Event(kind EventKind) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) MalformedLine() {
	if m == nil {
		return
	}
	m.malformedLines.Inc()
}

func (m *Metrics) DroppedLine() {
	if m == nil {
		return
	}
	m.droppedLines.Inc()
}

func (m *Metrics) CompletionCacheHit() {
	if m == nil {
		return
	}
	m.completionCacheHit.Inc()
}

func (m *Metrics) LimitPoll() {
	if m == nil {
		return
	}
	m.limitPolls.Inc()
}

func (m *Metrics) HomingDone(err error) {
	if m == nil {
		return
	}
	m.homingRuns.WithLabelValues(resultLabel(err)).Inc()
}

func (m *Metrics) TrajectoryDone(target ArmState, err error) {
	if m == nil {
		return
	}
	m.trajectories.WithLabelValues(target.String(), resultLabel(err)).Inc()
}

func (m *Metrics) MissionTransition(state MissionState) {
	if m == nil {
		return
	}
	m.missionTransitions.WithLabelValues(state.String()).Inc()
}

func (m *Metrics) Position(p Position) {
	if m == nil {
		return
	}
	m.positionMM.WithLabelValues("x").Set(p.X)
	m.positionMM.WithLabelValues("y").Set(p.Y)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
