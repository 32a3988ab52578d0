// Package crash detects abnormal terminations of the tracked application
// by scanning the host OS's log facility over a bounded lookback window.
// One Source implementation exists per platform; the probe in ForPlatform
// runs once at agent startup. Every failure mode inside a Source resolves
// to "no crash detected" — detection is best-effort by design.
package crash

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/vburojevic/apptrack/internal/domain"
)

// Source scans a time-bounded system log for evidence that the tracked
// process terminated abnormally. Detect returns nil when nothing matched
// or the underlying log source could not be queried.
type Source interface {
	// Name identifies the source subsystem for logging.
	Name() string
	// Detect scans lookback backward from now for a crash of processHint.
	// At most one CrashEvent is returned per call.
	Detect(ctx context.Context, processHint string, lookback time.Duration) *domain.CrashEvent
}

// ForPlatform selects the Source for the given GOOS.
func ForPlatform(goos string) Source {
	switch goos {
	case "windows":
		return newWindowsSource()
	case "darwin":
		return newUnifiedLogSource()
	default:
		return newJournalSource()
	}
}

// commandRunner executes an external log-query tool. Replaced in tests.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// crashKeywords are the fatal indicators scanned for in textual log
// streams where no structured event codes exist.
var crashKeywords = []string{
	"segfault",
	"segmentation fault",
	"general protection fault",
	"trap divide error",
	"core dumped",
	"abort",
	"crash",
	"assertion",
	"fatal signal",
	"killed",
}

// maxDiagnosticLines bounds the concatenated message for stream sources.
const maxDiagnosticLines = 30

// matchCrashLines keeps lines mentioning the process hint together with a
// crash keyword, newest-last, capped at maxDiagnosticLines from the tail.
func matchCrashLines(raw, processHint string) []string {
	hint := strings.ToLower(processHint)
	var matched []string
	for _, line := range strings.Split(raw, "\n") {
		lower := strings.ToLower(line)
		if !strings.Contains(lower, hint) {
			continue
		}
		for _, kw := range crashKeywords {
			if strings.Contains(lower, kw) {
				matched = append(matched, strings.TrimSpace(line))
				break
			}
		}
	}
	if len(matched) > maxDiagnosticLines {
		matched = matched[len(matched)-maxDiagnosticLines:]
	}
	return matched
}

// truncate caps a diagnostic message the same way the collector stores it.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
