// Command rigmonitor serves the live activity monitor for behavioral
// rigs: it reads the experiment, behavior, and interface stores and
// exposes the aggregated view over a REST and SSE API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ethomics/rigmonitor/internal/config"
	"github.com/ethomics/rigmonitor/internal/db"
	"github.com/ethomics/rigmonitor/internal/metrics"
	"github.com/ethomics/rigmonitor/internal/monitor"
	"github.com/ethomics/rigmonitor/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = ""
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "serve":
			runServe(os.Args[2:])
			return
		case "seed":
			runSeed(os.Args[2:])
			return
		case "version", "--version", "-v":
			fmt.Printf("rigmonitor %s (commit %s, built %s)\n",
				version, commit, buildDate)
			return
		case "help", "--help", "-h":
			printUsage()
			return
		}
	}

	runServe(os.Args[1:])
}

func printUsage() {
	fmt.Printf(`rigmonitor %s - live activity monitor for behavioral rigs

Reads the experiment, behavior, and interface stores written by the
acquisition side and serves windowed activity snapshots, setup control,
and the task catalog over a local REST/SSE API.

Usage:
  rigmonitor [flags]          Start the server (default command)
  rigmonitor serve [flags]    Start the server (explicit)
  rigmonitor seed [flags]     Write demo data into the stores
  rigmonitor version          Show version information
  rigmonitor help             Show this help

Server flags:
  -host string        Host to bind to (default "127.0.0.1")
  -port int           Port to listen on (default 8080)
  -data-dir string    Data directory for stores and config

Environment variables:
  RIGMONITOR_DATA_DIR       Data directory (stores, config)
  RIGMONITOR_EXPERIMENT_DB  Experiment store path
  RIGMONITOR_BEHAVIOR_DB    Behavior store path
  RIGMONITOR_INTERFACE_DB   Interface store path
  RIGMONITOR_POLL_INTERVAL  SSE refresh interval (default 1s)

Data is stored in ~/.rigmonitor/ by default.
`, version)
}

func runServe(args []string) {
	cfg := mustLoadConfig(args)
	database := mustOpenDB(cfg)
	defer database.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	agg := monitor.New(database, m,
		monitor.WithQueryTimeout(cfg.QueryTimeout))

	port := server.FindAvailablePort(cfg.Host, cfg.Port)
	if port != cfg.Port {
		fmt.Printf("Port %d in use, using %d\n", cfg.Port, port)
	}
	cfg.Port = port

	srv := server.New(cfg, database, agg, m,
		server.WithVersion(server.VersionInfo{
			Version:   version,
			Commit:    commit,
			BuildDate: buildDate,
		}),
	)

	stopWatcher := startStoreWatcher(cfg, srv.NotifyStoreChange)
	defer stopWatcher()

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	fmt.Printf("rigmonitor %s listening at http://%s:%d\n",
		version, cfg.Host, cfg.Port)
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}

func mustLoadConfig(args []string) config.Config {
	fs := flag.NewFlagSet("rigmonitor", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(),
			"Usage: rigmonitor [serve] [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}
	config.RegisterServeFlags(fs)
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	return cfg
}

func mustOpenDB(cfg config.Config) *db.DB {
	database, err := db.Open(cfg.StorePaths())
	if err != nil {
		log.Fatalf("opening stores: %v", err)
	}
	return database
}

// startStoreWatcher broadcasts behavior-store file changes to the
// connected SSE streams so monitors refresh between polls.
func startStoreWatcher(cfg config.Config, onChange func()) func() {
	paths := cfg.StorePaths()
	watcher, err := monitor.NewStoreWatcher(
		cfg.WatchDebounce,
		[]string{paths.Behavior, paths.Experiment},
		onChange,
	)
	if err != nil {
		log.Printf("warning: store watcher unavailable: %v", err)
		return func() {}
	}
	watcher.Start()
	return watcher.Stop
}

// runSeed writes a demo session into the stores so the monitor has
// something to show on a fresh install.
func runSeed(args []string) {
	fs := flag.NewFlagSet("seed", flag.ExitOnError)
	setup := fs.String("setup", "192.168.1.21", "Setup ID to seed")
	animal := fs.String("animal", "mouse_demo", "Animal ID to seed")
	session := fs.Int("session", 1, "Session number to seed")
	if err := fs.Parse(args); err != nil {
		log.Fatalf("parsing flags: %v", err)
	}

	cfg, err := config.LoadMinimal()
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("creating data dir: %v", err)
	}
	database := mustOpenDB(cfg)
	defer database.Close()

	if err := seedDemoSession(
		database, *setup, *animal, *session, time.Now().UTC(),
	); err != nil {
		log.Fatalf("seeding: %v", err)
	}
	fmt.Printf("Seeded %s with %s session %d\n", *setup, *animal, *session)
}
