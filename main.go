package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gpulimit/app"
	"gpulimit/config"
	"gpulimit/config/appconf"
	"gpulimit/internal/logging"
	"gpulimit/version"

	_ "github.com/joho/godotenv/autoload"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "gpulimitd",
		Usage:   "queue commands and start them when a GPU has room",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "YAML settings file",
				Sources: cli.EnvVars(config.EnvConfig),
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "control socket: unix:/path, tcp:host:port or a bare path",
			},
			&cli.StringFlag{
				Name:  "log-dir",
				Usage: "directory for main.log and task output",
			},
			&cli.StringFlag{
				Name:  "http-addr",
				Usage: "serve the read-only monitoring API on this address",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "logrus level",
			},
		},
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "print the version",
				Action: func(ctx context.Context, c *cli.Command) error {
					fmt.Printf("gpulimitd %s (%s)\n", version.Version, version.Commit)
					return nil
				},
			},
		},
	}
}

func loadSettings(c *cli.Command) (*appconf.Settings, error) {
	settings, err := appconf.LoadFrom(os.Getenv("APP_ENV"), c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("listen") {
		settings.Listen = c.String("listen")
	}
	if c.IsSet("log-dir") {
		settings.LogDir = c.String("log-dir")
	}
	if c.IsSet("http-addr") {
		settings.HTTPAddr = c.String("http-addr")
	}
	if c.IsSet("log-level") {
		settings.LogLevel = c.String("log-level")
	}
	return settings, settings.Validate()
}

func serveAction(ctx context.Context, c *cli.Command) error {
	settings, err := loadSettings(c)
	if err != nil {
		return err
	}

	closeLog, err := logging.Setup(filepath.Join(settings.LogDir, logging.MainLogName), settings.LogLevel)
	if err != nil {
		return fmt.Errorf("log setup failed: %w", err)
	}
	defer closeLog()

	addr, err := settings.Address()
	if err != nil {
		return err
	}

	container, err := app.NewContainer(app.Options{
		Listen:      addr,
		LogDir:      settings.LogDir,
		HistoryDB:   settings.HistoryDB,
		NvidiaSMI:   settings.NvidiaSMI,
		KillGrace:   settings.KillGrace,
		CleanLogDir: settings.CleanLogDir,
		Params:      settings.Params,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := container.Start(ctx); err != nil {
		container.Shutdown()
		return err
	}
	defer container.Shutdown()

	if settings.HTTPAddr != "" {
		e := newHTTPServer(container)
		go func() {
			if err := e.Start(settings.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("monitoring API stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = e.Shutdown(shutdownCtx)
		}()
	}

	return container.Serve(ctx)
}

func newHTTPServer(container *app.Container) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.WithFields(log.Fields{
				"method": v.Method,
				"uri":    v.URI,
				"status": v.Status,
			}).Debug("http request")
			return nil
		},
	}))

	config.AddRoutes(e, container)
	return e
}
