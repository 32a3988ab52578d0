// Package location resolves a coarse geolocation for a session: platform
// high-accuracy lookup where available, IP-based providers as fallback,
// with a TTL-governed file cache in front of both. Privacy default is off.
package location

import (
	"context"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vburojevic/apptrack/internal/domain"
)

const providerTimeout = 6 * time.Second

// platformLocator is the optional high-accuracy OS location API.
// Implementations are selected per-GOOS at build time.
type platformLocator interface {
	// Locate returns (snapshot, denied, err). denied means the user or OS
	// explicitly refused access; the resolver records that and falls
	// through to IP resolution instead of treating it as a failure.
	Locate(ctx context.Context) (*domain.LocationSnapshot, bool, error)
}

// Resolver implements the session-start location policy. Resolve never
// returns an error: every failure path degrades to nil.
type Resolver struct {
	enabled   bool
	cache     *Cache
	providers []provider
	platform  platformLocator
	client    *http.Client
	clock     clock.Clock
	log       *zap.SugaredLogger

	platformDenied bool // remembered so we stop re-prompting the OS
}

// NewResolver builds a Resolver. cache may be nil to disable caching;
// enabled=false makes Resolve a constant nil with zero network traffic.
func NewResolver(enabled bool, cache *Cache, log *zap.SugaredLogger) *Resolver {
	return &Resolver{
		enabled:   enabled,
		cache:     cache,
		providers: defaultProviders(),
		platform:  newPlatformLocator(),
		client:    &http.Client{Timeout: providerTimeout},
		clock:     clock.New(),
		log:       log,
	}
}

// Resolve returns the session's location snapshot, or nil when tracking is
// disabled or every lookup path failed. Invoked exactly once per session
// at open time; the caller holds the result fixed for the session's life.
func (r *Resolver) Resolve(ctx context.Context) *domain.LocationSnapshot {
	if !r.enabled {
		return nil
	}

	if r.cache != nil {
		if cached := r.cache.Load(); cached != nil {
			r.log.Debugw("location served from cache", "city", cached.City, "country", cached.Country)
			return cached
		}
	}

	if loc := r.resolvePlatform(ctx); loc != nil {
		r.saveCache(loc)
		return loc
	}

	for _, p := range r.providers {
		loc, err := p.fetch(ctx, r.client)
		if err != nil {
			r.log.Warnw("location provider failed", "url", p.url, "error", err)
			continue
		}
		loc.Source = "ip"
		loc.CapturedAt = domain.FormatTimestamp(r.clock.Now())
		r.saveCache(loc)
		r.log.Infow("location resolved", "source", loc.Source, "city", loc.City, "country", loc.Country)
		return loc
	}

	return nil
}

func (r *Resolver) saveCache(loc *domain.LocationSnapshot) {
	if r.cache != nil {
		r.cache.Save(loc)
	}
}

func (r *Resolver) resolvePlatform(ctx context.Context) *domain.LocationSnapshot {
	if r.platform == nil || r.platformDenied {
		return nil
	}
	loc, denied, err := r.platform.Locate(ctx)
	if denied {
		// Explicit denial is a user decision, not a fault.
		r.platformDenied = true
		r.log.Infow("platform location access denied, falling back to IP resolution")
		return nil
	}
	if err != nil || loc.Empty() {
		if err != nil {
			r.log.Debugw("platform location unavailable", "error", err)
		}
		return nil
	}
	loc.Source = "platform"
	loc.CapturedAt = domain.FormatTimestamp(r.clock.Now())
	r.reverseGeocode(ctx, loc)
	return loc
}

// reverseGeocode fills city/region/country on a coordinate-only platform
// result using the first IP provider that answers. Best-effort: on any
// failure the partial snapshot is kept as-is.
func (r *Resolver) reverseGeocode(ctx context.Context, loc *domain.LocationSnapshot) {
	if loc.City != "" || loc.Country != "" {
		return
	}
	for _, p := range r.providers {
		named, err := p.fetch(ctx, r.client)
		if err != nil {
			continue
		}
		loc.City = named.City
		loc.Region = named.Region
		loc.Country = named.Country
		return
	}
}
