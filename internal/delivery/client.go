// Package delivery ships session, log and crash records to the collector
// over HTTP. Retries are bounded with exponential backoff; a record that
// exhausts its retries is logged and dropped. There is no durable queue:
// delivery is at-most-once-retried, and the collector's upsert semantics
// make the retries that do happen safe.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vburojevic/apptrack/internal/domain"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultAttempts = 3
	baseBackoff     = 500 * time.Millisecond
)

// Client posts records to the collector's ingestion endpoints.
type Client struct {
	baseURL  string
	agentID  string
	attempts int
	backoff  time.Duration
	client   *http.Client
	clock    clock.Clock
	log      *zap.SugaredLogger
}

// New creates a delivery client for the collector at baseURL. agentID is a
// per-run identifier stamped on every payload for tracing.
func New(baseURL, agentID string, log *zap.SugaredLogger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		agentID:  agentID,
		attempts: defaultAttempts,
		backoff:  baseBackoff,
		client:   &http.Client{Timeout: defaultTimeout},
		clock:    clock.New(),
		log:      log,
	}
}

type sessionPayload struct {
	UserID        string                   `json:"user_id"`
	SessionStart  string                   `json:"session_start"`
	SessionEnd    string                   `json:"session_end"`
	TotalDuration float64                  `json:"total_duration"` // hours, legacy field
	TotalSeconds  float64                  `json:"total_duration_seconds"`
	Location      *domain.LocationSnapshot `json:"location"`
	AgentID       string                   `json:"agent_id,omitempty"`
}

type logPayload struct {
	UserID       string `json:"user_id"`
	LogTimestamp string `json:"log_timestamp"`
	LogContent   string `json:"log_content"`
	AgentID      string `json:"agent_id,omitempty"`
}

type crashPayload struct {
	UserID         string                   `json:"user_id"`
	SessionStart   string                   `json:"session_start"`
	SessionEnd     string                   `json:"session_end"`
	CrashTime      string                   `json:"crash_time"`
	EventID        int                      `json:"event_id"`
	Provider       string                   `json:"provider"`
	ExceptionCode  string                   `json:"exception_code"`
	FaultingModule string                   `json:"faulting_module"`
	Message        string                   `json:"message"`
	Location       *domain.LocationSnapshot `json:"location"`
	AgentID        string                   `json:"agent_id,omitempty"`
}

// SubmitSession delivers a closed session. Duplicate-key responses from
// the collector count as success: the session is already recorded.
func (c *Client) SubmitSession(ctx context.Context, s *domain.Session) error {
	dur := s.Duration()
	return c.post(ctx, "/add-session", sessionPayload{
		UserID:        s.UserID,
		SessionStart:  domain.FormatTimestamp(s.Start),
		SessionEnd:    domain.FormatTimestamp(s.End),
		TotalDuration: dur.Hours(),
		TotalSeconds:  dur.Seconds(),
		Location:      s.Location,
		AgentID:       c.agentID,
	}, fmt.Sprintf("session %s..%s", domain.FormatTimestamp(s.Start), domain.FormatTimestamp(s.End)))
}

// SubmitLog delivers a captured log blob. Best-effort like everything else.
func (c *Client) SubmitLog(ctx context.Context, l *domain.LogCapture) error {
	return c.post(ctx, "/add-log", logPayload{
		UserID:       l.UserID,
		LogTimestamp: domain.FormatTimestamp(l.CapturedAt),
		LogContent:   l.Content,
		AgentID:      c.agentID,
	}, fmt.Sprintf("log capture at %s (%d bytes)", domain.FormatTimestamp(l.CapturedAt), len(l.Content)))
}

// SubmitCrash delivers a detected crash event.
func (c *Client) SubmitCrash(ctx context.Context, e *domain.CrashEvent) error {
	return c.post(ctx, "/add-crash", crashPayload{
		UserID:         e.UserID,
		SessionStart:   domain.FormatTimestamp(e.SessionStart),
		SessionEnd:     domain.FormatTimestamp(e.SessionEnd),
		CrashTime:      domain.FormatTimestamp(e.CrashTime),
		EventID:        e.EventID,
		Provider:       e.Provider,
		ExceptionCode:  e.ExceptionCode,
		FaultingModule: e.FaultingModule,
		Message:        e.Message,
		Location:       e.Location,
		AgentID:        c.agentID,
	}, fmt.Sprintf("crash %s at %s", e.Signature(), domain.FormatTimestamp(e.CrashTime)))
}

// post sends the payload with bounded retries. Transport errors and 5xx
// responses retry; 2xx and duplicate-key conflicts succeed; other 4xx
// responses fail immediately since retrying cannot fix a bad payload.
func (c *Client) post(ctx context.Context, path string, payload any, summary string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			backoff := c.backoff << (attempt - 2)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.clock.After(backoff):
			}
		}

		status, respBody, err := c.doPost(ctx, path, body)
		if err != nil {
			lastErr = err
			c.log.Warnw("delivery attempt failed", "path", path, "attempt", attempt, "error", err)
			continue
		}

		switch {
		case status >= 200 && status < 300:
			return nil
		case status == http.StatusConflict || isDuplicateKey(respBody):
			// Already recorded; retrying would change nothing.
			c.log.Debugw("record already recorded", "path", path, "summary", summary)
			return nil
		case status >= 500:
			lastErr = fmt.Errorf("server returned %d: %s", status, truncateBody(respBody))
			c.log.Warnw("delivery attempt failed", "path", path, "attempt", attempt, "status", status)
			continue
		default:
			return fmt.Errorf("collector rejected %s: %d %s", summary, status, truncateBody(respBody))
		}
	}

	c.log.Errorw("delivery failed, dropping record", "path", path, "summary", summary, "error", lastErr)
	return lastErr
}

func (c *Client) doPost(ctx context.Context, path string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return resp.StatusCode, string(respBody), nil
}

func isDuplicateKey(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "duplicate key") || strings.Contains(lower, "already exists")
}

func truncateBody(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
