package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"remedy/internal/app/version"
	"remedy/internal/config"
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	settingsFlag := flag.String("settings", os.Getenv("REMEDY_SETTINGS"), "Path to a YAML or JSON settings file")
	portFlag := flag.Int("port", 0, "Port for the remediation API (overrides settings)")
	onceFlag := flag.Bool("once", false, "Refresh the decision cache once and exit")
	flag.Parse()

	settings, err := config.Load(*settingsFlag)
	if err != nil {
		return err
	}
	settings.Server.Port = resolvePort("REMEDY_PORT", *portFlag, settings.Server.Port)
	config.Apply(settings)

	if level, err := log.ParseLevel(settings.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.Warn("invalid log level", "value", settings.LogLevel)
	}

	info := version.Get()
	log.Info("Starting remedy bouncer",
		"version", info.BuildVersion,
		"engine", settings.Engine,
		"stream_mode", settings.StreamMode,
		"backend", settings.Cache.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := build(ctx, settings)
	if err != nil {
		return err
	}
	defer c.Close()

	if *onceFlag {
		_, err := c.scheduler.Trigger(ctx, "once")
		return err
	}

	return serve(ctx, c, settings)
}

func serve(ctx context.Context, c *components, settings config.Settings) error {
	if c.redis != nil && settings.Refresh.LeaderLock {
		config.EnableRedisSynchronization(ctx, c.redis)
		defer config.DisableRedisSynchronization()
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.server.ListenAndServe(gctx)
	})

	if c.geo != nil {
		hangups := make(chan os.Signal, 1)
		signal.Notify(hangups, syscall.SIGHUP)
		defer signal.Stop(hangups)
		g.Go(func() error {
			reloadOnSignal(gctx, c.geo, hangups)
			return nil
		})
	}

	if settings.StreamMode {
		g.Go(func() error {
			if err := c.scheduler.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("refresh scheduler: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// databaseReloader is a resolver whose database can be swapped at runtime.
type databaseReloader interface {
	DatabasePath() string
	Reload(path string) error
}

// reloadOnSignal reopens the geolocation database each time a signal
// arrives, so an updated file is picked up without a restart.
func reloadOnSignal(ctx context.Context, r databaseReloader, signals <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			if err := r.Reload(r.DatabasePath()); err != nil {
				log.Error("Geolocation reload failed", "type", "GEOLOCATION_RELOAD_FAILED", "error", err)
			}
		}
	}
}

// resolvePort picks the flag, then the environment, then the settings value.
func resolvePort(envKey string, flagValue, fallback int) int {
	if flagValue != 0 {
		return flagValue
	}
	if port := readPort(envKey); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}
