package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/vburojevic/apptrack/internal/cli"
	"github.com/vburojevic/apptrack/internal/collector"
	"github.com/vburojevic/apptrack/internal/config"
)

// version is stamped by the release build.
var version = "dev"

type rootCmd struct {
	Verbose bool   `short:"v" help:"Enable debug logging."`
	Config  string `short:"c" help:"Path to a config file (overrides the search paths)." type:"path"`

	Serve   serveCmd   `cmd:"" default:"1" help:"Run migrations and serve the ingestion and query API."`
	Migrate migrateCmd `cmd:"" help:"Apply pending schema migrations and exit."`
	Version versionCmd `cmd:"" help:"Print version information."`
}

type serveCmd struct {
	Addr string `help:"Listen address (overrides config)."`
}

func (c *serveCmd) Run(g *cli.Globals) error {
	cfg := g.Config
	log := g.Log
	defer func() { _ = log.Sync() }()

	if cfg.DB.DSN == "" {
		return fmt.Errorf("no database configured: set db.dsn or APPTRACK_DB_DSN")
	}
	addr := cfg.Server.Addr
	if c.Addr != "" {
		addr = c.Addr
	}

	if err := collector.Migrate(cfg.DB.DSN); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	db, err := collector.Open(cfg.DB.DSN)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	notifier := collector.NewNotifier(collector.SMTPConfig{
		Host:       cfg.SMTP.Host,
		Port:       cfg.SMTP.Port,
		User:       cfg.SMTP.User,
		Password:   cfg.SMTP.Password,
		FromEmail:  cfg.SMTP.FromEmail,
		AdminEmail: cfg.SMTP.AdminEmail,
	}, log)

	srv := collector.NewServer(collector.ServerConfig{
		Addr:        addr,
		AdminToken:  cfg.Admin.Token,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, collector.NewStore(db), notifier, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Infow("collector starting", "version", g.Version, "addr", addr)
	return srv.ListenAndServe(ctx)
}

type migrateCmd struct{}

func (c *migrateCmd) Run(g *cli.Globals) error {
	if g.Config.DB.DSN == "" {
		return fmt.Errorf("no database configured: set db.dsn or APPTRACK_DB_DSN")
	}
	if err := collector.Migrate(g.Config.DB.DSN); err != nil {
		return err
	}
	g.Log.Infow("migrations applied")
	return nil
}

type versionCmd struct{}

func (c *versionCmd) Run(g *cli.Globals) error {
	fmt.Printf("apptrack-collector %s\n", g.Version)
	return nil
}

func main() {
	var c rootCmd

	ctx := kong.Parse(&c,
		kong.Name("apptrack-collector"),
		kong.Description("Telemetry collector: ingests session, log and crash reports from agents into Postgres."),
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

	globals := cli.NewGlobals(&cli.CLI{Verbose: c.Verbose}, cfg, version)
	if err := ctx.Run(globals); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
