// Package procmon answers two questions from the live process table: is
// the tracked application running right now, and which configured
// companion tools are running beside it. Every OS-level failure reads as
// "not running" so a flaky query can never open a spurious session.
package procmon

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// lister enumerates candidate process names. Swapped out in tests.
type lister func(ctx context.Context) ([]string, error)

// Monitor matches the live process list against the tracked application's
// executable names. Stateless between calls.
type Monitor struct {
	names      []string // lowercased executable names to match
	companions []string // lowercased companion tool names, reported via Companions
	list       lister
	log        *zap.SugaredLogger
}

// New creates a Monitor for the given executable names. Matching is
// case-insensitive; a name either equals the process name or is contained
// in it (covers "eSim" vs "eSim.exe" style differences across platforms).
func New(names []string, log *zap.SugaredLogger) *Monitor {
	return NewWithCompanions(names, nil, log)
}

// NewWithCompanions additionally watches companion tool executables (child
// solvers, editors, exporters). Their presence never opens or closes a
// session; it is only reported through Companions.
func NewWithCompanions(names, companions []string, log *zap.SugaredLogger) *Monitor {
	return &Monitor{
		names:      lowerNames(names),
		companions: lowerNames(companions),
		list:       listProcessNames,
		log:        log,
	}
}

func lowerNames(names []string) []string {
	lowered := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			lowered = append(lowered, n)
		}
	}
	return lowered
}

// IsRunning reports whether any tracked executable is present in the
// process table. Errors are logged and reported as not running.
func (m *Monitor) IsRunning(ctx context.Context) bool {
	names, err := m.list(ctx)
	if err != nil {
		m.log.Warnw("process table query failed", "error", err)
		return false
	}
	for _, name := range names {
		if m.matches(name) {
			return true
		}
	}
	return false
}

// Companions returns the configured companion tool names currently present
// in the process table. Errors read as "none running", same as IsRunning.
func (m *Monitor) Companions(ctx context.Context) []string {
	if len(m.companions) == 0 {
		return nil
	}
	names, err := m.list(ctx)
	if err != nil {
		m.log.Warnw("process table query failed", "error", err)
		return nil
	}
	var present []string
	for _, want := range m.companions {
		for _, name := range names {
			if nameMatches(name, want) {
				present = append(present, want)
				break
			}
		}
	}
	return present
}

func (m *Monitor) matches(procName string) bool {
	for _, want := range m.names {
		if nameMatches(procName, want) {
			return true
		}
	}
	return false
}

func nameMatches(procName, want string) bool {
	procName = strings.ToLower(procName)
	return procName == want || strings.Contains(procName, want)
}

func listProcessNames(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(procs))
	for _, p := range procs {
		// Individual processes vanish between enumeration and Name();
		// skip them rather than failing the whole scan.
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}
