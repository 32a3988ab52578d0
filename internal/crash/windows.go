package crash

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/vburojevic/apptrack/internal/domain"
)

// Windows Application log event ids: 1000 is Application Error (the crash
// itself, with exception code and faulting module in the message), 1001 is
// Windows Error Reporting (a fallback with P1..P10 parameter lines).
const (
	eventIDApplicationError = 1000
	eventIDErrorReporting   = 1001
)

const maxMessageLen = 2000

// Extraction patterns for the free-text event message. Each field has a
// primary pattern (event 1000 prose) and a fallback (event 1001 P-lines).
var (
	reFaultingModule  = regexp.MustCompile(`(?i)Faulting module name:\s*([^\s,]+)`)
	reExceptionCode   = regexp.MustCompile(`(?i)Exception code:\s*(0x[0-9a-fA-F]+)`)
	reReportModule    = regexp.MustCompile(`(?im)^\s*P4:\s*([^\s\r\n]+)`)
	reReportException = regexp.MustCompile(`(?im)^\s*P8:\s*([0-9a-fA-F]+)`)
)

type windowsSource struct {
	run commandRunner
}

func newWindowsSource() *windowsSource {
	return &windowsSource{run: runCommand}
}

func (s *windowsSource) Name() string { return "windows-event-log" }

// Detect queries the Application event log through PowerShell for events
// 1000/1001 mentioning processHint within the lookback window, preferring
// 1000 over 1001 when both exist.
func (s *windowsSource) Detect(ctx context.Context, processHint string, lookback time.Duration) *domain.CrashEvent {
	script := buildEventQuery(processHint, int(lookback.Seconds()))
	out, err := s.run(ctx, "powershell", "-NoProfile", "-ExecutionPolicy", "Bypass", "-Command", script)
	if err != nil {
		return nil
	}
	return parseEventOutput(string(out))
}

func buildEventQuery(processHint string, lookbackSeconds int) string {
	return fmt.Sprintf(`
$since = (Get-Date).AddSeconds(-%d)
$all = Get-WinEvent -FilterHashtable @{ LogName='Application'; StartTime=$since } |
  Where-Object { ($_.Id -in %d,%d) -and ($_.Message -match '(?i)%s') } |
  Sort-Object TimeCreated -Descending
$pick = ($all | Where-Object {$_.Id -eq %d} | Select-Object -First 1)
if ($null -eq $pick) { $pick = ($all | Select-Object -First 1) }
if ($null -eq $pick) { "" } else { $pick | Select-Object TimeCreated, Id, ProviderName, Message | ConvertTo-Json -Compress }
`, lookbackSeconds, eventIDApplicationError, eventIDErrorReporting, processHint, eventIDApplicationError)
}

// parseEventOutput converts the PowerShell JSON blob into a CrashEvent.
// The session fields and location are filled in by the caller. Returns nil
// on empty output or any parse failure.
func parseEventOutput(out string) *domain.CrashEvent {
	out = strings.TrimSpace(out)
	jsonStart := strings.IndexByte(out, '{')
	if jsonStart < 0 {
		return nil
	}

	var evt struct {
		TimeCreated  string `json:"TimeCreated"`
		ID           int    `json:"Id"`
		ProviderName string `json:"ProviderName"`
		Message      string `json:"Message"`
	}
	if err := json.Unmarshal([]byte(out[jsonStart:]), &evt); err != nil {
		return nil
	}

	crash := &domain.CrashEvent{
		EventID:  evt.ID,
		Provider: evt.ProviderName,
		Message:  truncate(evt.Message, maxMessageLen),
	}
	if t, ok := domain.ParseFlexible(evt.TimeCreated); ok {
		crash.CrashTime = t
	}

	if m := reFaultingModule.FindStringSubmatch(evt.Message); m != nil {
		crash.FaultingModule = strings.TrimSpace(m[1])
	}
	if m := reExceptionCode.FindStringSubmatch(evt.Message); m != nil {
		crash.ExceptionCode = strings.TrimSpace(m[1])
	}

	// Event 1001 fallbacks.
	if crash.FaultingModule == "" {
		if m := reReportModule.FindStringSubmatch(evt.Message); m != nil {
			crash.FaultingModule = strings.TrimSpace(m[1])
		}
	}
	if crash.ExceptionCode == "" {
		if m := reReportException.FindStringSubmatch(evt.Message); m != nil {
			crash.ExceptionCode = "0x" + strings.ToLower(strings.TrimSpace(m[1]))
		}
	}

	return crash
}
