package netsafe

import (
	"context"
	"sync"
	"time"

	"github.com/peerpress/peerpress/internal/audit"
	"github.com/peerpress/peerpress/internal/log"
	"github.com/peerpress/peerpress/internal/xerrors"
)

var (
	errNilProber    = xerrors.New("netsafe: Prober is required")
	errEgressUnsafe = xerrors.New("netsafe: egress path unsafe")
)

// DefaultProbeInterval is the gap between egress probes.
const DefaultProbeInterval = 30 * time.Second

// State is the monitor's view of the egress path.
type State int

const (
	// StateUnknown holds until the first probe completes.
	StateUnknown State = iota

	// StateSafe means the last probe observed a public egress address.
	StateSafe

	// StateUnsafe means the last probe observed a private address or
	// failed entirely.
	StateUnsafe

	// StateShutdownTriggered is terminal until Reset: the emergency
	// callback has fired and further probes change nothing.
	StateShutdownTriggered
)

func (s State) String() string {
	switch s {
	case StateSafe:
		return "safe"
	case StateUnsafe:
		return "unsafe"
	case StateShutdownTriggered:
		return "shutdown_triggered"
	default:
		return "unknown"
	}
}

// Metrics is implemented by the metrics package to observe the monitor.
type Metrics interface {
	IncProbePoll()
	IncProbeFailure()
	SetEgressSafe(safe bool)
	SetKillSwitchFired(fired bool)
}

// MonitorOptions configures the egress safety monitor.
type MonitorOptions struct {
	Prober   Prober
	Interval time.Duration

	// OnEmergency fires exactly once per armed period when the egress
	// path stops looking safe. Called synchronously on the monitor
	// goroutine; keep it fast and idempotent.
	OnEmergency func(reason string)

	// Audit receives EGRESS_STATUS_CHANGE and EMERGENCY_SHUTDOWN
	// events. Optional.
	Audit *audit.Chain

	Logger  log.Logger
	Metrics Metrics

	// ProbeTimeout bounds a single probe. Zero uses the interval.
	ProbeTimeout time.Duration
}

// Monitor runs the egress probe on a fixed cadence and trips the
// one-shot kill switch when the path stops looking safe. It keeps
// probing regardless of what publish, resolve, or serve work is in
// flight, and stays operable when those subsystems fail.
type Monitor struct {
	prober       Prober
	interval     time.Duration
	probeTimeout time.Duration
	onEmergency  func(reason string)
	audit        *audit.Chain
	logger       log.Logger
	metrics      Metrics

	mu       sync.Mutex
	state    State
	lastAddr string

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewMonitor(opts MonitorOptions) (*Monitor, error) {
	if opts.Prober == nil {
		return nil, errNilProber
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	probeTimeout := opts.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = interval
	}
	return &Monitor{
		prober:       opts.Prober,
		interval:     interval,
		probeTimeout: probeTimeout,
		onEmergency:  opts.OnEmergency,
		audit:        opts.Audit,
		logger:       logger,
		metrics:      opts.Metrics,
		state:        StateUnknown,
	}, nil
}

// Run probes immediately and then on every tick until ctx is cancelled.
// Intended to be launched as: go monitor.Run(ctx)
func (m *Monitor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	m.runMu.Lock()
	m.cancel = cancel
	m.done = done
	m.runMu.Unlock()
	defer close(done)

	m.logger.Info(ctx, "egress safety monitor starting", "interval", m.interval.String())

	m.checkOnce(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info(ctx, "egress safety monitor stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			m.checkOnce(ctx)
		}
	}
}

// Stop cancels a running Run and waits for it to return, bounded by the
// probe timeout so a probe in flight cannot wedge shutdown. Safe to call
// when Run was never started.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	cancel, done := m.cancel, m.done
	m.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-time.After(m.probeTimeout):
	}
}

// State returns the current monitor state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Safe reports whether serving is currently permitted.
func (m *Monitor) Safe() bool {
	return m.State() == StateSafe
}

// Reset re-arms the kill switch after an operator has dealt with the
// shutdown. The next unsafe observation fires the callback again.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateShutdownTriggered {
		return
	}
	m.state = StateUnknown
	if m.metrics != nil {
		m.metrics.SetKillSwitchFired(false)
	}
}

// checkOnce runs one probe and applies the state transition rules.
func (m *Monitor) checkOnce(ctx context.Context) {
	if m.metrics != nil {
		m.metrics.IncProbePoll()
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	status, err := m.prober.Probe(probeCtx)
	cancel()
	if err != nil {
		// fail closed
		if m.metrics != nil {
			m.metrics.IncProbeFailure()
		}
		m.logger.Warn(ctx, "egress probe failed, treating as unsafe", "error", err.Error())
		status = Status{Safe: false}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	prev := m.state
	wasSafe := prev == StateSafe
	addrChanged := status.Address != m.lastAddr

	if m.metrics != nil {
		m.metrics.SetEgressSafe(status.Safe)
	}

	if prev == StateShutdownTriggered {
		// terminal until Reset; keep the observed address current
		m.lastAddr = status.Address
		return
	}

	if wasSafe != status.Safe || addrChanged {
		m.logger.Warn(ctx, "egress status change",
			"was_safe", wasSafe, "is_safe", status.Safe,
			"address", status.Address)
		if m.audit != nil {
			if aerr := m.audit.EgressStatusChange(wasSafe, status.Safe, status.Address); aerr != nil {
				m.logger.Error(ctx, aerr, "failed to audit egress status change")
			}
		}
	}
	m.lastAddr = status.Address

	if status.Safe {
		m.state = StateSafe
		return
	}

	m.state = StateUnsafe
	m.trigger(ctx, shutdownReason(status, err))
}

// trigger fires the emergency path exactly once per armed period.
// Caller holds m.mu.
func (m *Monitor) trigger(ctx context.Context, reason string) {
	m.state = StateShutdownTriggered
	m.logger.Error(ctx, errEgressUnsafe, "egress path unsafe, triggering emergency shutdown",
		"reason", reason)
	if m.audit != nil {
		if err := m.audit.EmergencyShutdown(reason); err != nil {
			m.logger.Error(ctx, err, "failed to audit emergency shutdown")
		}
	}
	if m.metrics != nil {
		m.metrics.SetKillSwitchFired(true)
	}
	if m.onEmergency != nil {
		m.onEmergency(reason)
	}
}

func shutdownReason(status Status, probeErr error) string {
	switch {
	case probeErr != nil:
		return "probe_failed"
	case status.Address == "":
		return "no_public_address"
	default:
		return "private_egress_address"
	}
}
