package domain

import "time"

// Session is one contiguous interval during which the tracked application
// was observed running. Identity for deduplication is the natural key
// (UserID, Start, End); duration is always derived from the endpoints.
type Session struct {
	UserID   string
	Start    time.Time
	End      time.Time
	Location *LocationSnapshot
}

// Duration returns the derived session length. Zero while the session is open.
func (s *Session) Duration() time.Duration {
	if s.End.IsZero() {
		return 0
	}
	return s.End.Sub(s.Start)
}

// LocationSnapshot is a coarse geolocation captured at most once per
// session, at session start. Immutable after capture.
type LocationSnapshot struct {
	Source    string  `json:"source,omitempty"` // "platform", "ip", ""
	IP        string  `json:"ip,omitempty"`
	City      string  `json:"city,omitempty"`
	Region    string  `json:"region,omitempty"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude,omitempty"`
	Longitude float64 `json:"longitude,omitempty"`
	// AccuracyRadius is meters; only the platform locator fills it.
	AccuracyRadius float64 `json:"accuracy_radius,omitempty"`
	CapturedAt     string  `json:"captured_at,omitempty"`
}

// Empty reports whether the snapshot carries no usable fields.
func (l *LocationSnapshot) Empty() bool {
	if l == nil {
		return true
	}
	return l.IP == "" && l.City == "" && l.Country == "" && l.Latitude == 0 && l.Longitude == 0
}

// LogCapture is an opaque text blob shipped best-effort alongside a session.
type LogCapture struct {
	UserID     string
	CapturedAt time.Time
	Content    string
}
