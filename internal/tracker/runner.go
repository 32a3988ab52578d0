package tracker

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ProcessMonitor answers whether the tracked application is running.
type ProcessMonitor interface {
	IsRunning(ctx context.Context) bool
}

// CompanionSource reports which companion tool processes are currently
// running beside the tracked application.
type CompanionSource interface {
	Companions(ctx context.Context) []string
}

// Runner owns the agent's single polling loop. It samples the process
// monitor on a fixed interval and feeds each sample into the machine.
// All blocking work (HTTP, subprocess calls, the grace delay) happens
// inside Tick with its own bounded timeouts, so the loop can stall only
// for those durations, never indefinitely.
type Runner struct {
	machine    *Machine
	monitor    ProcessMonitor
	companions CompanionSource
	interval   time.Duration
	clock      clock.Clock
	log        *zap.SugaredLogger
}

// NewRunner wires the loop. companions may be nil when no auxiliary tools
// are configured.
func NewRunner(machine *Machine, monitor ProcessMonitor, companions CompanionSource,
	interval time.Duration, clk clock.Clock, log *zap.SugaredLogger) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{
		machine:    machine,
		monitor:    monitor,
		companions: companions,
		interval:   interval,
		clock:      clk,
		log:        log,
	}
}

// Run polls until ctx is cancelled. A session still open at shutdown is
// closed through the normal sequence so it is delivered, not lost.
func (r *Runner) Run(ctx context.Context) {
	ticker := r.clock.Ticker(r.interval)
	defer ticker.Stop()

	r.log.Infow("tracking started", "poll_interval", r.interval.String())

	for {
		select {
		case <-ctx.Done():
			if r.machine.State() == Open {
				r.log.Infow("shutting down with open session, closing it")
				// Detached context: the loop's context is already done
				// but the close sequence still needs its own timeouts.
				closeCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				r.machine.CloseNow(closeCtx)
				cancel()
			}
			r.log.Infow("tracking stopped")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll feeds one sample into the machine and, while a session is open,
// reports any running companion tools as rate-limited session activity.
func (r *Runner) poll(ctx context.Context) {
	r.machine.Tick(ctx, r.monitor.IsRunning(ctx))
	if r.companions == nil || r.machine.State() != Open {
		return
	}
	for _, name := range r.companions.Companions(ctx) {
		r.machine.Observe("tool:"+name, name)
	}
}
