package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vburojevic/apptrack/internal/domain"
)

type fakeStore struct {
	mu       sync.Mutex
	sessions []SessionRecord
	logs     []LogRecord
	crashes  []CrashRecord
	failWith error

	crashRows []CrashRow
	groups    []SignatureGroup
	users     []string
	metrics   Metrics
}

func (f *fakeStore) UpsertSession(_ context.Context, rec SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.sessions = append(f.sessions, rec)
	return nil
}

func (f *fakeStore) InsertLog(_ context.Context, rec LogRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.logs = append(f.logs, rec)
	return nil
}

func (f *fakeStore) InsertCrash(_ context.Context, rec CrashRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.crashes = append(f.crashes, rec)
	return nil
}

func (f *fakeStore) ListCrashes(_ context.Context, _ string, _ int64, _ int) ([]CrashRow, error) {
	return f.crashRows, f.failWith
}

func (f *fakeStore) GroupCrashSignatures(_ context.Context, _ string, _ int) ([]SignatureGroup, error) {
	return f.groups, f.failWith
}

func (f *fakeStore) ListSessions(_ context.Context, _ string) ([]SessionRow, error) {
	return nil, f.failWith
}

func (f *fakeStore) ListLogs(_ context.Context, _ string) ([]LogRow, error) {
	return nil, f.failWith
}

func (f *fakeStore) ListUsers(_ context.Context) ([]string, error) {
	return f.users, f.failWith
}

func (f *fakeStore) UsageMetrics(_ context.Context, _ string) (Metrics, error) {
	return f.metrics, f.failWith
}

type fakeNotifier struct {
	mu    sync.Mutex
	seen  []CrashRecord
	fired chan struct{}
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{fired: make(chan struct{}, 8)}
}

func (f *fakeNotifier) NotifyCrash(rec CrashRecord) {
	f.mu.Lock()
	f.seen = append(f.seen, rec)
	f.mu.Unlock()
	f.fired <- struct{}{}
}

func newTestServer(t *testing.T, store Storage, notifier CrashNotifier) *httptest.Server {
	t.Helper()
	srv := NewServer(ServerConfig{
		AdminToken:  "sekrit",
		CORSOrigins: []string{"https://dash.example.com"},
	}, store, notifier, zap.NewNop().Sugar())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAddSessionUpserts(t *testing.T) {
	store := &fakeStore{}
	ts := newTestServer(t, store, nil)

	resp := postJSON(t, ts.URL+"/add-session", map[string]any{
		"user_id":                "host_alice_aa_bb",
		"session_start":          "2026-08-29 10:00:00",
		"session_end":            "2026-08-29 11:30:00",
		"total_duration_seconds": 5400.0,
		"location":               map[string]any{"source": "ip", "city": "Zagreb", "country": "HR"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, store.sessions, 1)
	got := store.sessions[0]
	assert.Equal(t, "host_alice_aa_bb", got.UserID)
	assert.Equal(t, 5400.0, got.DurationSeconds)
	assert.Equal(t, "2026-08-29 10:00:00", domain.FormatTimestamp(got.Start))
	require.NotNil(t, got.Location)
	assert.Equal(t, "Zagreb", got.Location.City)
}

func TestAddSessionLegacyHoursFallback(t *testing.T) {
	store := &fakeStore{}
	ts := newTestServer(t, store, nil)

	resp := postJSON(t, ts.URL+"/add-session", map[string]any{
		"user_id":        "u1",
		"session_start":  "2026-08-29 10:00:00",
		"session_end":    "2026-08-29 12:00:00",
		"total_duration": 2.0,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, store.sessions, 1)
	assert.Equal(t, 7200.0, store.sessions[0].DurationSeconds)
}

func TestAddSessionDurationFromTimestamps(t *testing.T) {
	store := &fakeStore{}
	ts := newTestServer(t, store, nil)

	resp := postJSON(t, ts.URL+"/add-session", map[string]any{
		"user_id":       "u1",
		"session_start": "2026-08-29 10:00:00",
		"session_end":   "2026-08-29 10:05:00",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, store.sessions, 1)
	assert.Equal(t, 300.0, store.sessions[0].DurationSeconds)
}

func TestAddSessionValidation(t *testing.T) {
	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing user_id", map[string]any{"session_start": "2026-08-29 10:00:00", "session_end": "2026-08-29 11:00:00"}},
		{"missing start", map[string]any{"user_id": "u1", "session_end": "2026-08-29 11:00:00"}},
		{"missing end", map[string]any{"user_id": "u1", "session_start": "2026-08-29 10:00:00"}},
		{"garbage start", map[string]any{"user_id": "u1", "session_start": "not-a-time", "session_end": "2026-08-29 11:00:00"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			ts := newTestServer(t, store, nil)
			resp := postJSON(t, ts.URL+"/add-session", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Empty(t, store.sessions)
		})
	}
}

func TestAddSessionLegacyEpochWrapper(t *testing.T) {
	store := &fakeStore{}
	ts := newTestServer(t, store, nil)

	resp := postJSON(t, ts.URL+"/add-session", map[string]any{
		"user_id":       "u1",
		"session_start": "/Date(1700000000000)/",
		"session_end":   "/Date(1700003600000)/",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, store.sessions, 1)
	assert.Equal(t, "2023-11-14 22:13:20", domain.FormatTimestamp(store.sessions[0].Start))
}

func TestAddSessionStoreFailure(t *testing.T) {
	store := &fakeStore{failWith: errors.New("connection refused")}
	ts := newTestServer(t, store, nil)

	resp := postJSON(t, ts.URL+"/add-session", map[string]any{
		"user_id":       "u1",
		"session_start": "2026-08-29 10:00:00",
		"session_end":   "2026-08-29 11:00:00",
	})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestAddLog(t *testing.T) {
	store := &fakeStore{}
	ts := newTestServer(t, store, nil)

	resp := postJSON(t, ts.URL+"/add-log", map[string]any{
		"user_id":       "u1",
		"log_timestamp": "2026-08-29 10:00:00",
		"log_content":   "line one\nline two",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, store.logs, 1)
	assert.Equal(t, "line one\nline two", store.logs[0].Content)
}

func TestAddLogMissingUser(t *testing.T) {
	store := &fakeStore{}
	ts := newTestServer(t, store, nil)

	resp := postJSON(t, ts.URL+"/add-log", map[string]any{"log_content": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAddCrashStoresAndNotifies(t *testing.T) {
	store := &fakeStore{}
	notifier := newFakeNotifier()
	ts := newTestServer(t, store, notifier)

	resp := postJSON(t, ts.URL+"/add-crash", map[string]any{
		"user_id":         "u1",
		"session_start":   "2026-08-29 10:00:00",
		"session_end":     "2026-08-29 11:00:00",
		"crash_time":      "2026-08-29 10:59:58",
		"event_id":        1000,
		"provider":        "Application Error",
		"exception_code":  "0xC0000005",
		"faulting_module": "ntdll.dll",
		"message":         "Faulting application name: tracked.exe",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, store.crashes, 1)
	got := store.crashes[0]
	assert.Equal(t, 1000, got.EventID)
	assert.Equal(t, "0xC0000005", got.ExceptionCode)
	assert.Equal(t, "2026-08-29 10:59:58", domain.FormatTimestamp(got.CrashTime))

	select {
	case <-notifier.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("crash notifier was never invoked")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	require.Len(t, notifier.seen, 1)
	assert.Equal(t, "ntdll.dll", notifier.seen[0].FaultingModule)
}

func TestAddCrashMissingUser(t *testing.T) {
	store := &fakeStore{}
	ts := newTestServer(t, store, nil)

	resp := postJSON(t, ts.URL+"/add-crash", map[string]any{"event_id": 1000})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, store.crashes)
}

func TestAddCrashDefaultsCrashTime(t *testing.T) {
	store := &fakeStore{}
	ts := newTestServer(t, store, nil)

	resp := postJSON(t, ts.URL+"/add-crash", map[string]any{"user_id": "u1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, store.crashes, 1)
	assert.False(t, store.crashes[0].CrashTime.IsZero())
}

func TestListCrashesIncludesSignature(t *testing.T) {
	store := &fakeStore{crashRows: []CrashRow{
		{ID: 7, CrashRecord: CrashRecord{
			UserID:         "u1",
			EventID:        1000,
			ExceptionCode:  "0xC0000005",
			FaultingModule: "ntdll.dll",
		}},
		{ID: 6, CrashRecord: CrashRecord{UserID: "u1", EventID: 1001}},
	}}
	ts := newTestServer(t, store, nil)

	resp, err := http.Get(ts.URL + "/crashes?user=u1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Crashes []crashResponse `json:"crashes"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Crashes, 2)
	assert.Equal(t, "0xC0000005 | ntdll.dll | 1000", body.Crashes[0].Signature)
	assert.Equal(t, "no-code | no-module | 1001", body.Crashes[1].Signature)
}

func TestCrashSummaryRequiresAdminToken(t *testing.T) {
	store := &fakeStore{groups: []SignatureGroup{
		{Signature: "0xc0000409 | ucrtbase.dll | 1001", Count: 12, LastSeen: "2026-08-29 09:00:00"},
	}}
	ts := newTestServer(t, store, nil)

	resp, err := http.Get(ts.URL + "/admin/crashes/summary")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/admin/crashes/summary", nil)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Token", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("X-Admin-Token", "sekrit")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Groups []SignatureGroup `json:"groups"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Groups, 1)
	assert.Equal(t, int64(12), body.Groups[0].Count)
}

// groupingStore derives signature groups from the crashes actually
// inserted, mirroring the store's SQL placeholder and ordering rules.
type groupingStore struct {
	fakeStore
}

func (g *groupingStore) GroupCrashSignatures(_ context.Context, _ string, _ int) ([]SignatureGroup, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	bysig := map[string]*SignatureGroup{}
	lastSeen := map[string]time.Time{}
	for _, rec := range g.crashes {
		ev := domain.CrashEvent{
			EventID:        rec.EventID,
			ExceptionCode:  rec.ExceptionCode,
			FaultingModule: rec.FaultingModule,
		}
		sig := ev.Signature()
		grp, ok := bysig[sig]
		if !ok {
			grp = &SignatureGroup{Signature: sig, Example: rec.Message}
			bysig[sig] = grp
		}
		grp.Count++
		if rec.CrashTime.After(lastSeen[sig]) {
			lastSeen[sig] = rec.CrashTime
			grp.LastSeen = domain.FormatTimestamp(rec.CrashTime)
		}
	}
	out := make([]SignatureGroup, 0, len(bysig))
	for _, grp := range bysig {
		out = append(out, *grp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].LastSeen > out[j].LastSeen
	})
	return out, nil
}

func TestCrashSummaryGroupsByMessageInvariantSignature(t *testing.T) {
	// Two crashes differing only in message and time form one group.
	store := &groupingStore{}
	ts := newTestServer(t, store, nil)

	crash := map[string]any{
		"user_id":         "u1",
		"crash_time":      "2026-08-29 10:00:00",
		"event_id":        1000,
		"exception_code":  "0xC0000005",
		"faulting_module": "ntdll.dll",
		"message":         "first occurrence",
	}
	resp := postJSON(t, ts.URL+"/add-crash", crash)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	crash["crash_time"] = "2026-08-29 11:00:00"
	crash["message"] = "second occurrence, different text"
	resp = postJSON(t, ts.URL+"/add-crash", crash)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postJSON(t, ts.URL+"/add-crash", map[string]any{
		"user_id":    "u1",
		"crash_time": "2026-08-29 12:00:00",
		"event_id":   1001,
		"message":    "report queued",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/admin/crashes/summary", nil)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Token", "sekrit")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Groups []SignatureGroup `json:"groups"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	require.Len(t, body.Groups, 2)
	assert.Equal(t, "0xC0000005 | ntdll.dll | 1000", body.Groups[0].Signature)
	assert.Equal(t, int64(2), body.Groups[0].Count)
	assert.Equal(t, "2026-08-29 11:00:00", body.Groups[0].LastSeen)
	assert.Equal(t, "no-code | no-module | 1001", body.Groups[1].Signature)
	assert.Equal(t, int64(1), body.Groups[1].Count)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	srv := NewServer(ServerConfig{}, &fakeStore{}, nil, zap.NewNop().Sugar())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/admin/crashes/summary", nil)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Token", "")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestListUsersAlwaysArray(t *testing.T) {
	store := &fakeStore{}
	ts := newTestServer(t, store, nil)

	resp, err := http.Get(ts.URL + "/get_users")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Users []string `json:"users"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotNil(t, body.Users)
	assert.Empty(t, body.Users)
}

func TestMetrics(t *testing.T) {
	store := &fakeStore{metrics: Metrics{ActiveUsers: 3, TotalHours: 12.5, AvgDurationHr: 1.25}}
	ts := newTestServer(t, store, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var m Metrics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	assert.Equal(t, int64(3), m.ActiveUsers)
	assert.Equal(t, 12.5, m.TotalHours)
}

func TestCORSAllowlist(t *testing.T) {
	store := &fakeStore{}
	ts := newTestServer(t, store, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/metrics", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://dash.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "https://dash.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestCrashAlertBody(t *testing.T) {
	rec := CrashRecord{
		UserID:         "host_alice_aa",
		CrashTime:      mustParse(t, "2026-08-29 10:59:58"),
		SessionStart:   mustParse(t, "2026-08-29 10:00:00"),
		SessionEnd:     mustParse(t, "2026-08-29 11:00:00"),
		Provider:       "Application Error",
		EventID:        1000,
		ExceptionCode:  "0xC0000005",
		FaultingModule: "ntdll.dll",
		Message:        "Faulting application name: tracked.exe",
		Location:       &domain.LocationSnapshot{City: "Zagreb", Region: "Zagreb", Country: "HR"},
	}
	body := crashAlertBody(rec)
	assert.Contains(t, body, "User: host_alice_aa")
	assert.Contains(t, body, "Crash time: 2026-08-29 10:59:58")
	assert.Contains(t, body, "Exception: 0xC0000005")
	assert.Contains(t, body, "Zagreb, Zagreb, HR")
	assert.Contains(t, body, "tracked.exe")
}

func TestNotifierSkipsWhenUnconfigured(t *testing.T) {
	n := NewNotifier(SMTPConfig{Host: "smtp.example.com", Port: 587}, zap.NewNop().Sugar())
	sent := false
	n.send = func(string, smtp.Auth, string, []string, []byte) error {
		sent = true
		return nil
	}
	n.NotifyCrash(CrashRecord{UserID: "u1"})
	assert.False(t, sent, "alert should be skipped when smtp credentials are missing")
}

func TestNotifierSendsWhenConfigured(t *testing.T) {
	n := NewNotifier(SMTPConfig{
		Host: "smtp.example.com", Port: 587,
		User: "bot@example.com", Password: "pw", AdminEmail: "admin@example.com",
	}, zap.NewNop().Sugar())
	var gotAddr string
	var gotMsg []byte
	n.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = msg
		assert.Equal(t, "bot@example.com", from)
		assert.Equal(t, []string{"admin@example.com"}, to)
		return nil
	}
	n.NotifyCrash(CrashRecord{UserID: "u1", EventID: 1000, ExceptionCode: "0xC0000005"})
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Contains(t, string(gotMsg), "Subject: [apptrack] Crash")
	assert.Contains(t, string(gotMsg), "0xC0000005")
}

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, ok := domain.ParseFlexible(s)
	require.True(t, ok)
	return ts
}
