// Package cli defines the kong command tree for the agent binary and the
// shared globals handed to every command.
package cli

import (
	"go.uber.org/zap"

	"github.com/vburojevic/apptrack/internal/config"
)

// CLI is the root command structure for apptrack-agent.
type CLI struct {
	Verbose bool   `short:"v" help:"Enable debug logging."`
	Config  string `short:"c" help:"Path to a config file (overrides the search paths)." type:"path"`

	Run     RunCmd     `cmd:"" default:"1" help:"Monitor the tracked app and report sessions, logs and crashes."`
	Ident   IdentCmd   `cmd:"" help:"Print the machine identity this agent reports under."`
	Version VersionCmd `cmd:"" help:"Print version information."`
}

// Globals carries configuration and the logger into command Run methods.
type Globals struct {
	Config  *config.Config
	Log     *zap.SugaredLogger
	Verbose bool
	Version string
}

// NewGlobals builds the shared command context from parsed flags and loaded
// configuration.
func NewGlobals(c *CLI, cfg *config.Config, version string) *Globals {
	verbose := c.Verbose || cfg.Verbose
	return &Globals{
		Config:  cfg,
		Log:     newLogger(verbose),
		Verbose: verbose,
		Version: version,
	}
}
