package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/facebookgo/grace/gracenet"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	cli "github.com/urfave/cli/v2"

	"github.com/ledgerdesk/selfupdate/config"
	"github.com/ledgerdesk/selfupdate/logger"
	"github.com/ledgerdesk/selfupdate/metrics"
	"github.com/ledgerdesk/selfupdate/updater"
)

const (
	versionText = "Print the version"

	// updateAppliedExitCode signals to wrapper scripts that a new version
	// was installed and the application should be relaunched.
	updateAppliedExitCode = 11
)

var (
	Version   = "DEV"
	BuildTime = "unknown"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v", "V"},
		Usage:   versionText,
	}

	app := &cli.App{}
	app.Name = "ledgerdesk-update"
	app.Usage = "LedgerDesk's update agent"
	app.UsageText = "ledgerdesk-update [global options] [command] [command options]"
	app.Version = fmt.Sprintf("%s (built %s)", Version, BuildTime)
	app.Description = `ledgerdesk-update keeps a LedgerDesk installation current. It checks the
	release feed, downloads and verifies update packages, backs up the current
	installation and swaps the new files in. Run it once per invocation with the
	check/update commands, or leave it resident with the run command.`
	app.Flags = flags()
	app.Commands = commands()
	runApp(app)
}

func runApp(app *cli.App) {
	if err := app.Run(os.Args); err != nil {
		if exitErr, ok := err.(cli.ExitCoder); ok {
			if message := exitErr.Error(); message != "" {
				fmt.Fprintln(os.Stderr, message)
			}
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:      "check",
			Action:    checkCommand,
			Usage:     "Check the feed for a newer version without installing it",
			ArgsUsage: " ",
		},
		{
			Name:      "update",
			Action:    updateCommand,
			Usage:     "Install the newest version if one exists",
			ArgsUsage: " ",
			Description: `Checks the release feed, and when a newer version exists downloads,
verifies, backs up and installs it.

To determine if an update happened in a script, check for exit code 11.`,
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "restart",
					Usage: "spawn a replacement process after a successful update",
				},
			},
		},
		{
			Name:      "rollback",
			Action:    rollbackCommand,
			Usage:     "Restore the installation from the most recent backup",
			ArgsUsage: " ",
		},
		{
			Name:      "restart",
			Action:    restartCommand,
			Usage:     "Spawn a replacement process of this executable and exit",
			ArgsUsage: " ",
		},
		{
			Name:      "run",
			Action:    runCommand,
			Usage:     "Stay resident and check the feed periodically",
			ArgsUsage: " ",
		},
		{
			Name: "version",
			Action: func(c *cli.Context) error {
				cli.ShowVersion(c)
				return nil
			},
			Usage:       versionText,
			Description: versionText,
		},
	}
}

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Specifies a config file in YAML format.",
			EnvVars: []string{"LEDGERDESK_UPDATE_CONFIG"},
		},
		&cli.StringFlag{
			Name:  logger.LogLevelFlag,
			Value: "info",
			Usage: "Application logging level {debug, info, warn, error, fatal}.",
		},
		&cli.StringFlag{
			Name:  logger.LogDirectoryFlag,
			Usage: "Save application log to this directory for reporting issues.",
		},
		&cli.StringFlag{
			Name:    "feed-url",
			Usage:   "Release feed root URL.",
			EnvVars: []string{"LEDGERDESK_FEED_URL"},
		},
		&cli.StringFlag{
			Name:    "feed-token",
			Usage:   "Token sent with feed requests, for private release feeds.",
			EnvVars: []string{"LEDGERDESK_FEED_TOKEN"},
		},
		&cli.StringFlag{
			Name:  "install-dir",
			Usage: "Application directory that updates overwrite. Defaults to this executable's directory.",
		},
		&cli.DurationFlag{
			Name:  "check-interval",
			Usage: "How often the run command checks the feed. 0 uses the configured or default interval.",
		},
		&cli.BoolFlag{
			Name:  "auto-apply",
			Usage: "Make scheduled checks install updates instead of only reporting them.",
		},
		&cli.BoolFlag{
			Name:  "allow-unverified",
			Usage: "Install packages the feed published no checksum for. Off by default.",
		},
		&cli.StringFlag{
			Name:  "metrics",
			Usage: "Listen address for Prometheus metrics, e.g. localhost:2000.",
		},
	}
}

// buildConfig loads the YAML file (when present) and overlays command line
// flags on top of it. Flags always win.
func buildConfig(c *cli.Context, log *zerolog.Logger) (*config.Config, error) {
	cfg, err := config.ReadConfigFile(c.String("config"), log)
	if err != nil {
		if !errors.Is(err, config.ErrNoConfigFile) || c.String("config") != "" {
			return nil, err
		}
		cfg = &config.Config{}
	}

	if feedURL := c.String("feed-url"); feedURL != "" {
		cfg.FeedURL = feedURL
	}
	if token := c.String("feed-token"); token != "" {
		cfg.FeedToken = token
	}
	if dir := c.String("install-dir"); dir != "" {
		cfg.InstallDir = dir
	}
	if interval := c.Duration("check-interval"); interval != 0 {
		cfg.CheckInterval = interval
	}
	if c.Bool("auto-apply") {
		cfg.AutoApply = true
	}
	if c.Bool("allow-unverified") {
		cfg.AllowUnverified = true
	}
	if addr := c.String("metrics"); addr != "" {
		cfg.MetricsAddress = addr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newUpdater(c *cli.Context) (*updater.Updater, *config.Config, *zerolog.Logger, error) {
	log := logger.CreateLoggerFromContext(c, logger.EnableTerminalLog)
	cfg, err := buildConfig(c, log)
	if err != nil {
		return nil, nil, nil, err
	}
	m := metrics.NewUpdaterMetrics(prometheus.DefaultRegisterer)
	u, err := updater.New(cfg, &gracenet.Net{}, m, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return u, cfg, log, nil
}

func checkCommand(c *cli.Context) error {
	u, _, log, err := newUpdater(c)
	if err != nil {
		return err
	}
	defer u.Cleanup()

	rel, err := u.Check(c.Context)
	if err != nil {
		return err
	}
	if rel == nil {
		log.Info().Str("version", u.CurrentVersion()).Msg("no update available")
		return nil
	}
	log.Info().
		Str("current", u.CurrentVersion()).
		Str("available", rel.Version).
		Bool("critical", rel.IsCritical).
		Msg("update available")
	return nil
}

func updateCommand(c *cli.Context) error {
	u, _, log, err := newUpdater(c)
	if err != nil {
		return err
	}
	defer u.Cleanup()

	rel, err := u.Check(c.Context)
	if err != nil {
		return err
	}
	if rel == nil {
		log.Info().Str("version", u.CurrentVersion()).Msg("already up to date")
		return nil
	}
	if err := u.DownloadAndInstall(c.Context); err != nil {
		return err
	}
	log.Info().Str("version", u.CurrentVersion()).Msg("update installed")

	if c.Bool("restart") {
		if _, err := u.Restart(); err != nil {
			return err
		}
	}
	return cli.Exit("", updateAppliedExitCode)
}

func rollbackCommand(c *cli.Context) error {
	u, _, _, err := newUpdater(c)
	if err != nil {
		return err
	}
	defer u.Cleanup()
	return u.Rollback()
}

func restartCommand(c *cli.Context) error {
	u, _, log, err := newUpdater(c)
	if err != nil {
		return err
	}
	defer u.Cleanup()

	pid, err := u.Restart()
	if err != nil {
		return err
	}
	log.Info().Int("pid", pid).Msg("replacement process running, exiting")
	return nil
}

// runCommand stays resident: a periodic feed check plus, when configured, a
// metrics listener. It exits on SIGINT or SIGTERM.
func runCommand(c *cli.Context) error {
	u, cfg, log, err := newUpdater(c)
	if err != nil {
		return err
	}
	defer u.Cleanup()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	shutdownC := make(chan struct{})
	if cfg.MetricsAddress != "" {
		listener, err := net.Listen("tcp", cfg.MetricsAddress)
		if err != nil {
			return errors.Wrap(err, "opening metrics listener")
		}
		go func() {
			if err := metrics.ServeMetrics(listener, shutdownC, log); err != nil {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-signals
		log.Info().Str("signal", s.String()).Msg("shutting down")
		close(shutdownC)
		cancel()
	}()

	auto := updater.NewAutoUpdater(cfg.CheckInterval, cfg.AutoApply, u, log)
	err = auto.Run(ctx)
	if errors.Is(err, context.Canceled) {
		// Give the metrics server a moment to drain.
		time.Sleep(time.Second)
		return nil
	}
	return err
}
