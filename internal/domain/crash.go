package domain

import (
	"strconv"
	"time"
)

// Crash providers, named after the OS subsystem the event was read from.
const (
	ProviderWindowsEventLog = "Application Error"
	ProviderJournal         = "systemd-journal"
	ProviderUnifiedLog      = "unified-log"
)

// CrashEvent is one detected abnormal termination correlated to a session
// close by temporal proximity. Append-only at the collector.
type CrashEvent struct {
	UserID         string
	SessionStart   time.Time
	SessionEnd     time.Time
	CrashTime      time.Time
	EventID        int
	Provider       string
	ExceptionCode  string
	FaultingModule string
	Message        string
	Location       *LocationSnapshot
}

// Signature returns the derived grouping key for deduplication:
// exception code, faulting module and event id with stable placeholders.
// Used purely for presentational grouping, never for identity.
func (c *CrashEvent) Signature() string {
	exc := c.ExceptionCode
	if exc == "" {
		exc = "no-code"
	}
	mod := c.FaultingModule
	if mod == "" {
		mod = "no-module"
	}
	return exc + " | " + mod + " | " + strconv.Itoa(c.EventID)
}
