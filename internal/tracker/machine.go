// Package tracker contains the agent's session state machine: it observes
// the process monitor's running/not-running samples, opens and closes
// sessions, and drives location capture, log capture, crash detection and
// delivery. Transitions are strictly sequential; the machine is driven by
// a single polling loop and needs no locking.
package tracker

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vburojevic/apptrack/internal/domain"
)

// State of the session lifecycle.
type State int

const (
	// Idle: tracked app not running, no open session.
	Idle State = iota
	// Open: tracked app running, session_start and location captured.
	Open
	// Closing: transient while the close sequence (deliveries, grace
	// delay, crash detection) runs.
	Closing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Open:
		return "open"
	case Closing:
		return "closing"
	}
	return "unknown"
}

// Locator resolves the session's coarse location, at most once per session.
type Locator interface {
	Resolve(ctx context.Context) *domain.LocationSnapshot
}

// Detector scans the platform log source for a crash after session close.
type Detector interface {
	Name() string
	Detect(ctx context.Context, processHint string, lookback time.Duration) *domain.CrashEvent
}

// Submitter delivers completed records to the collector.
type Submitter interface {
	SubmitSession(ctx context.Context, s *domain.Session) error
	SubmitLog(ctx context.Context, l *domain.LogCapture) error
	SubmitCrash(ctx context.Context, e *domain.CrashEvent) error
}

// Capturer returns the latest log blob for the tracked app, or nil.
type Capturer interface {
	Capture() *domain.LogCapture
}

// Options tune the machine's temporal behavior.
type Options struct {
	// GraceDelay is the pause between session close and crash detection,
	// giving the OS time to flush its log.
	GraceDelay time.Duration
	// Lookback is the window scanned backward for crash evidence.
	Lookback time.Duration
	// Debounce is how many consecutive not-running samples are required
	// to close a session. 1 reproduces the raw polling behavior; higher
	// values ride out transient process-table misreads.
	Debounce int
}

// Machine is the session state machine. Not safe for concurrent use; the
// poll loop owns it exclusively.
type Machine struct {
	userID      string
	processHint string
	opts        Options

	locator   Locator
	detector  Detector
	submitter Submitter
	capturer  Capturer
	limiter   *RateLimiter
	clock     clock.Clock
	log       *zap.SugaredLogger

	state           State
	sessionStart    time.Time
	sessionLocation *domain.LocationSnapshot
	missedReads     int
}

// NewMachine wires the machine. capturer may be nil when log capture is
// not configured.
func NewMachine(userID, processHint string, opts Options, locator Locator, detector Detector,
	submitter Submitter, capturer Capturer, limiter *RateLimiter, clk clock.Clock, log *zap.SugaredLogger) *Machine {
	if opts.Debounce < 1 {
		opts.Debounce = 1
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Machine{
		userID:      userID,
		processHint: processHint,
		opts:        opts,
		locator:     locator,
		detector:    detector,
		submitter:   submitter,
		capturer:    capturer,
		limiter:     limiter,
		clock:       clk,
		log:         log,
	}
}

// State returns the current lifecycle state.
func (m *Machine) State() State { return m.state }

// Tick feeds one process-monitor sample into the machine. Every side
// effect of a transition completes (or is swallowed) before Tick returns.
func (m *Machine) Tick(ctx context.Context, running bool) {
	switch m.state {
	case Idle:
		if running {
			m.openSession(ctx)
		}
	case Open:
		if running {
			m.missedReads = 0
			return
		}
		m.missedReads++
		if m.missedReads >= m.opts.Debounce {
			m.closeSession(ctx)
		}
	}
}

// CloseNow forces the close sequence for an open session, bypassing
// debounce. Used on agent shutdown so an in-flight session is delivered.
func (m *Machine) CloseNow(ctx context.Context) {
	if m.state == Open {
		m.closeSession(ctx)
	}
}

// Observe reports an auxiliary signal (a child tool process, a new project
// file) seen while a session is open. Emissions are rate-limited per key;
// nothing here can affect session transitions.
func (m *Machine) Observe(key, detail string) {
	if m.state != Open || m.limiter == nil {
		return
	}
	if m.limiter.Allow(key) {
		m.log.Infow("session activity", "signal", key, "detail", detail)
	}
}

func (m *Machine) openSession(ctx context.Context) {
	m.sessionStart = m.clock.Now()
	m.sessionLocation = m.locator.Resolve(ctx)
	m.missedReads = 0
	m.state = Open
	m.log.Infow("session started",
		"user_id", m.userID,
		"session_start", domain.FormatTimestamp(m.sessionStart),
		"has_location", m.sessionLocation != nil)
}

// closeSession runs the full close sequence: deliver the session, deliver
// the latest log capture, wait the grace delay, run crash detection and
// deliver any crash. Each step's failure is already swallowed downstream;
// the machine always returns to Idle.
func (m *Machine) closeSession(ctx context.Context) {
	m.state = Closing
	sessionEnd := m.clock.Now()

	session := &domain.Session{
		UserID:   m.userID,
		Start:    m.sessionStart,
		End:      sessionEnd,
		Location: m.sessionLocation,
	}
	if err := m.submitter.SubmitSession(ctx, session); err != nil {
		m.log.Warnw("session delivery failed", "error", err)
	}

	if m.capturer != nil {
		if capture := m.capturer.Capture(); capture != nil {
			capture.UserID = m.userID
			if err := m.submitter.SubmitLog(ctx, capture); err != nil {
				m.log.Warnw("log delivery failed", "error", err)
			}
		}
	}

	if m.opts.GraceDelay > 0 {
		// Let the OS flush the crash event before we go looking for it.
		m.clock.Sleep(m.opts.GraceDelay)
	}

	if crash := m.detector.Detect(ctx, m.processHint, m.opts.Lookback); crash != nil {
		crash.UserID = m.userID
		crash.SessionStart = session.Start
		crash.SessionEnd = session.End
		crash.Location = m.sessionLocation
		if crash.CrashTime.IsZero() {
			crash.CrashTime = sessionEnd
		}
		m.log.Warnw("crash detected",
			"source", m.detector.Name(),
			"signature", crash.Signature(),
			"crash_time", domain.FormatTimestamp(crash.CrashTime))
		if err := m.submitter.SubmitCrash(ctx, crash); err != nil {
			m.log.Warnw("crash delivery failed", "error", err)
		}
	}

	m.log.Infow("session ended",
		"user_id", m.userID,
		"session_end", domain.FormatTimestamp(sessionEnd),
		"duration", session.Duration().String())

	m.sessionStart = time.Time{}
	m.sessionLocation = nil
	m.missedReads = 0
	m.state = Idle
}
