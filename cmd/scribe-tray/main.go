package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/do/v2"

	"github.com/petems/scribe-tray/internal/app"
	"github.com/petems/scribe-tray/internal/audio"
	"github.com/petems/scribe-tray/internal/config"
	"github.com/petems/scribe-tray/internal/consent"
	"github.com/petems/scribe-tray/internal/logging"
	"github.com/petems/scribe-tray/internal/permissions"
	"github.com/petems/scribe-tray/internal/tray"
	"github.com/petems/scribe-tray/internal/whisper"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var (
		configPath  = flag.String("config", "", "config file (default: platform config dir)")
		listDevices = flag.Bool("list-devices", false, "print capturable loopback devices and exit")
		devices     = flag.String("devices", "", "comma-separated device ids to capture")
		headless    = flag.Bool("headless", false, "run without the tray, asking for consent on the terminal")
	)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger with configured level
	log, err := logging.New(cfg.LogLevel, logging.LogPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Logging: %v\n", err)
	}

	res := &resources{}
	injector := setupDI(cfg, log, res)
	defer closeResources(res, log)

	if *listDevices {
		if err := printDevices(os.Stdout, do.MustInvoke[*audio.Enumerator](injector)); err != nil {
			log.Fatal().Err(err).Msg("Failed to list devices")
		}
		return
	}

	// macOS gates loopback drivers behind the audio input permission
	if err := permissions.EnsureCaptureAccess(); err != nil {
		log.Fatal().Err(err).Msg("Required permissions not granted")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := splitDevices(*devices)
	if *headless {
		runHeadless(ctx, injector, log, ids)
		return
	}
	runTray(ctx, injector, res, cfg, log, ids)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFrom(path)
}

func runHeadless(ctx context.Context, injector do.Injector, log zerolog.Logger, ids []string) {
	do.ProvideValue[consent.Presenter](injector, &consent.TerminalPresenter{In: os.Stdin, Out: os.Stdout})
	application := do.MustInvoke[*app.App](injector)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Msg("ScribeTray starting (headless)...")
	if err := application.StartSession(sigCtx, ids); err != nil {
		log.Fatal().Err(err).Msg("Capture not started")
	}

	<-sigCtx.Done()
	log.Info().Msg("Shutting down...")
	shutdown(application, log)
}

func runTray(ctx context.Context, injector do.Injector, res *resources, cfg *config.Config, log zerolog.Logger, ids []string) {
	trayUI := tray.New(cfg, whisper.ModelNames(), log, Version, Commit)
	do.ProvideValue[consent.Presenter](injector, trayUI)

	application := do.MustInvoke[*app.App](injector)
	application.SetStatusUpdater(trayUI)
	trayUI.SetApp(application)

	if len(ids) > 0 {
		if err := application.SetDevices(ids); err != nil {
			log.Warn().Err(err).Msg("Failed to save device selection")
		}
	}

	log.Info().Msg("ScribeTray starting...")

	// Setup shutdown signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info().Msg("Shutting down...")
		shutdown(application, log)
		closeResources(res, log)
		os.Exit(0)
	}()

	// Start tray UI - MUST run on main thread
	if err := trayUI.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Tray error")
	}
}

func shutdown(application *app.App, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
}

func closeResources(res *resources, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res.Close(ctx, log)
}

func printDevices(w io.Writer, enum *audio.Enumerator) error {
	devices, err := enum.Devices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Fprintln(w, "No loopback-capable device found.")
		return nil
	}
	for _, d := range devices {
		fmt.Fprintf(w, "%s\t%d Hz\t%dch\n", d.ID, d.SampleRate, d.Channels)
	}
	return nil
}

func splitDevices(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
