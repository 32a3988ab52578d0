package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/google/uuid"

	"github.com/vburojevic/apptrack/internal/crash"
	"github.com/vburojevic/apptrack/internal/delivery"
	"github.com/vburojevic/apptrack/internal/identity"
	"github.com/vburojevic/apptrack/internal/location"
	"github.com/vburojevic/apptrack/internal/procmon"
	"github.com/vburojevic/apptrack/internal/tracker"
)

// RunCmd is the agent's main loop: poll for the tracked process, manage
// the session lifecycle, and deliver records to the collector.
type RunCmd struct {
	APIURL       string   `help:"Collector base URL (overrides config)." env:"APPTRACK_API_BASE_URL"`
	ProcessNames []string `help:"Process names to watch (overrides config)."`
	LogsDir      string   `help:"Directory of the tracked app's log files."`
}

func (c *RunCmd) Run(globals *Globals) error {
	cfg := globals.Config
	log := globals.Log
	defer func() { _ = log.Sync() }()

	baseURL := cfg.API.BaseURL
	if c.APIURL != "" {
		baseURL = c.APIURL
	}
	if baseURL == "" {
		return fmt.Errorf("no collector URL configured: set api.base_url or APPTRACK_API_BASE_URL")
	}

	names := cfg.Monitor.ProcessNames
	if len(c.ProcessNames) > 0 {
		names = c.ProcessNames
	}
	if len(names) == 0 {
		return fmt.Errorf("no process names configured: set monitor.process_names")
	}

	logsDir := cfg.Logs.Dir
	if c.LogsDir != "" {
		logsDir = c.LogsDir
	}

	userID, err := identity.UserID(identity.Overrides{
		UserID:   cfg.Overrides.UserID,
		Username: cfg.Overrides.Username,
	})
	if err != nil {
		return fmt.Errorf("computing machine identity: %w", err)
	}
	agentID := uuid.NewString()
	log = log.With("user_id", userID, "agent_id", agentID)

	log.Infow("agent starting",
		"version", globals.Version,
		"platform", runtime.GOOS,
		"processes", names,
		"collector", baseURL,
		"location_enabled", cfg.Location.Enabled,
	)

	cachePath := cfg.Location.CachePath
	if cachePath == "" {
		if dir, err := os.UserCacheDir(); err == nil {
			cachePath = filepath.Join(dir, "apptrack", "location.json")
		}
	}
	var cache *location.Cache
	if cachePath != "" {
		cache = location.NewCache(cachePath, cfg.Location.CacheTTL, nil)
	}
	resolver := location.NewResolver(cfg.Location.Enabled, cache, log)

	source := crash.ForPlatform(runtime.GOOS)
	log.Debugw("crash source selected", "source", source.Name())

	client := delivery.New(baseURL, agentID, log)

	var capturer tracker.Capturer
	if logsDir != "" {
		capturer = tracker.NewDirCapturer(logsDir, log)
	}

	machine := tracker.NewMachine(userID, names[0], tracker.Options{
		GraceDelay: cfg.Monitor.GraceDelay,
		Lookback:   cfg.Monitor.CrashLookback,
		Debounce:   cfg.Monitor.Debounce,
	}, resolver, source, client, capturer,
		tracker.NewRateLimiter(cfg.Monitor.PollInterval*10, nil), nil, log)

	monitor := procmon.NewWithCompanions(names, cfg.Monitor.ObserveProcesses, log)
	runner := tracker.NewRunner(machine, monitor, monitor, cfg.Monitor.PollInterval, nil, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner.Run(ctx)
	log.Infow("agent stopped")
	return nil
}
