package crash

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vburojevic/apptrack/internal/domain"
)

// journalSource scans the systemd journal. The journal carries no
// structured exception code or faulting module for arbitrary processes, so
// those fields stay empty and the signature degrades to the event id.
type journalSource struct {
	run commandRunner
	now func() time.Time
}

func newJournalSource() *journalSource {
	return &journalSource{run: runCommand, now: time.Now}
}

func (s *journalSource) Name() string { return "journal" }

func (s *journalSource) Detect(ctx context.Context, processHint string, lookback time.Duration) *domain.CrashEvent {
	since := s.now().Add(-lookback)
	out, err := s.run(ctx, "journalctl",
		"--since", since.Format("2006-01-02 15:04:05"),
		"--no-pager", "-o", "short-iso")
	if err != nil {
		return nil
	}

	matched := matchCrashLines(string(out), processHint)
	if len(matched) == 0 {
		return nil
	}

	return &domain.CrashEvent{
		CrashTime: s.now(),
		Provider:  domain.ProviderJournal,
		Message:   truncate(strings.Join(matched, "\n"), maxMessageLen),
	}
}

// unifiedLogSource scans the macOS unified log via `log show`. Same
// textual strategy as the journal: keyword match, no structured fields.
type unifiedLogSource struct {
	run commandRunner
	now func() time.Time
}

func newUnifiedLogSource() *unifiedLogSource {
	return &unifiedLogSource{run: runCommand, now: time.Now}
}

func (s *unifiedLogSource) Name() string { return "unified-log" }

func (s *unifiedLogSource) Detect(ctx context.Context, processHint string, lookback time.Duration) *domain.CrashEvent {
	out, err := s.run(ctx, "log", "show",
		"--last", fmt.Sprintf("%dm", int(lookback.Minutes())+1),
		"--style", "syslog",
		"--predicate", fmt.Sprintf(`eventMessage CONTAINS[c] %q`, processHint))
	if err != nil {
		return nil
	}

	matched := matchCrashLines(string(out), processHint)
	if len(matched) == 0 {
		return nil
	}

	return &domain.CrashEvent{
		CrashTime: s.now(),
		Provider:  domain.ProviderUnifiedLog,
		Message:   truncate(strings.Join(matched, "\n"), maxMessageLen),
	}
}
