package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/vburojevic/apptrack/internal/cli"
	"github.com/vburojevic/apptrack/internal/config"
)

// version is stamped by the release build.
var version = "dev"

func main() {
	var c cli.CLI

	ctx := kong.Parse(&c,
		kong.Name("apptrack-agent"),
		kong.Description("Desktop usage agent: reports sessions, logs and crashes of a tracked application to the collector."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	)

	var cfg *config.Config
	var err error
	if c.Config != "" {
		cfg, err = config.LoadFromFile(c.Config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: loading config %s: %v\n", c.Config, err)
			os.Exit(1)
		}
	} else {
		cfg, err = config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v\n", err)
			cfg = config.Default()
		}
	}

	globals := cli.NewGlobals(&c, cfg, version)
	if err := ctx.Run(globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
