package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bridgecal/bridgecal/internal/bridgecal"
	"github.com/bridgecal/bridgecal/internal/calsync"
	"github.com/bridgecal/bridgecal/internal/googlecal"
	"github.com/bridgecal/bridgecal/internal/outlookcal"
)

const (
	exitOK        = 0
	exitConfig    = 2
	exitAuth      = 3
	exitTransient = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitConfig
	}
	switch args[0] {
	case "sync":
		return runSync(args[1:])
	case "doctor":
		return runDoctor(args[1:])
	default:
		usage()
		return exitConfig
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: bridgecal <sync|doctor> [flags]")
}

func defaultConfigPath() string {
	return filepath.Join(bridgecal.DefaultDataDir(), "config.yaml")
}

func runSync(args []string) int {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	configPath := fs.String("config", envOrDefault("BRIDGECAL_CONFIG", defaultConfigPath()), "path to config.yaml")
	once := fs.Bool("once", false, "run a single sync pass and exit")
	daemon := fs.Bool("daemon", false, "run continuously")
	interval := fs.Duration("interval", 0, "polling interval (overrides config)")
	jitter := fs.Float64("interval-jitter", 0.1, "interval jitter ratio (0.0-1.0)")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}
	if *once && *daemon {
		fmt.Fprintln(os.Stderr, "use either --once or --daemon, not both")
		return exitConfig
	}

	cfg, err := bridgecal.LoadConfig(*configPath)
	if err != nil {
		log.Printf("load config: %v", err)
		return exitCodeForErr(err)
	}
	if *interval > 0 {
		cfg.Sync.IntervalSeconds = int(interval.Seconds())
		if cfg.Sync.IntervalSeconds <= 0 {
			cfg.Sync.IntervalSeconds = 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := bridgecal.OpenStore(cfg.MappingStoreDSN)
	if err != nil {
		log.Printf("open mapping store: %v", err)
		return exitCodeForErr(err)
	}
	defer store.Close()

	outlook, err := outlookcal.NewAdapter(cfg.Outlook.Endpoint)
	if err != nil {
		log.Printf("outlook adapter: %v", err)
		return exitCodeForErr(err)
	}
	google, err := googlecal.New(ctx, cfg.Google)
	if err != nil {
		log.Printf("google adapter: %v", err)
		return exitCodeForErr(err)
	}

	buildEngine := func(cfg *bridgecal.Config) (*calsync.Engine, error) {
		return calsync.NewEngine(outlook, google, store, calsync.Options{
			PastDays:      cfg.Sync.PastDays,
			FutureDays:    cfg.Sync.FutureDays,
			RedactionMode: cfg.Sync.RedactionMode,
			Logger:        log.Default(),
		})
	}
	engine, err := buildEngine(cfg)
	if err != nil {
		log.Printf("build engine: %v", err)
		return exitCodeForErr(err)
	}

	var current atomic.Pointer[calsync.Engine]
	current.Store(engine)
	reload := func() {
		fresh, err := bridgecal.LoadConfig(*configPath)
		if err != nil {
			log.Printf("config reload skipped: %v", err)
			return
		}
		rebuilt, err := buildEngine(fresh)
		if err != nil {
			log.Printf("config reload skipped: %v", err)
			return
		}
		current.Store(rebuilt)
		log.Printf("config reloaded path=%s", *configPath)
	}

	driver, err := calsync.NewDriver(
		calsync.TickerFunc(func(ctx context.Context) (calsync.Summary, error) {
			return current.Load().Tick(ctx)
		}),
		calsync.DriverOptions{
			Interval:    time.Duration(cfg.Sync.IntervalSeconds) * time.Second,
			JitterRatio: *jitter,
			Schedule:    cfg.Sync.Schedule,
			OnReload:    reload,
			Logger:      log.Default(),
		},
	)
	if err != nil {
		log.Printf("build driver: %v", err)
		return exitCodeForErr(err)
	}

	if *once {
		sum, err := driver.RunOnce(ctx)
		printSummary(sum)
		return exitCodeForTick(sum, err)
	}

	stopWatch, err := driver.WatchConfig(*configPath)
	if err != nil {
		log.Printf("config watch unavailable: %v", err)
	} else {
		defer stopWatch()
	}
	if err := driver.RunLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("sync loop stopped: %v", err)
		return exitCodeForErr(err)
	}
	log.Printf("sync loop stopped")
	return exitOK
}

func runDoctor(args []string) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	configPath := fs.String("config", envOrDefault("BRIDGECAL_CONFIG", defaultConfigPath()), "path to config.yaml")
	timeout := fs.Duration("timeout", 30*time.Second, "health check timeout")
	if err := fs.Parse(args); err != nil {
		return exitConfig
	}

	cfg, err := bridgecal.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: FAIL (%v)\n", err)
		return exitConfig
	}
	fmt.Printf("config: OK (%s)\n", *configPath)

	store, err := bridgecal.OpenStore(cfg.MappingStoreDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mapping store: FAIL (%v)\n", err)
		return exitConfig
	}
	_ = store.Close()
	fmt.Printf("mapping store: OK (%s)\n", cfg.MappingStoreDSN)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	outlook, err := outlookcal.NewAdapter(cfg.Outlook.Endpoint)
	if err != nil {
		fmt.Fprintf(os.Stderr, "outlook: FAIL (%v)\n", err)
		return exitCodeForErr(err)
	}
	if checker, ok := outlook.(calsync.HealthChecker); ok {
		if err := checker.Health(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "outlook: FAIL (%v)\n", err)
			return healthExitCode(err)
		}
	}
	fmt.Printf("outlook: OK (%s)\n", cfg.Outlook.Endpoint)

	google, err := googlecal.New(ctx, cfg.Google)
	if err != nil {
		fmt.Fprintf(os.Stderr, "google: FAIL (%v)\n", err)
		return exitCodeForErr(err)
	}
	if err := google.Health(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "google: FAIL (%v)\n", err)
		return healthExitCode(err)
	}
	fmt.Printf("google: OK (%s)\n", cfg.Google.CalendarID)
	return exitOK
}

func printSummary(sum calsync.Summary) {
	fmt.Printf("sync: outlook=%d google=%d create_g=%d update_g=%d delete_g=%d create_o=%d update_o=%d delete_o=%d conflicts=%d errors=%d\n",
		sum.ScannedOutlook, sum.ScannedGoogle,
		sum.CreatedGoogle, sum.UpdatedGoogle, sum.DeletedGoogle,
		sum.CreatedOutlook, sum.UpdatedOutlook, sum.DeletedOutlook,
		sum.Conflicts, sum.Errors)
}

func exitCodeForErr(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, bridgecal.ErrConfig):
		return exitConfig
	case errors.Is(err, bridgecal.ErrAuth):
		return exitAuth
	default:
		return exitTransient
	}
}

// healthExitCode treats a non-auth adapter failure as a missing
// prerequisite rather than a runtime fault.
func healthExitCode(err error) int {
	if errors.Is(err, bridgecal.ErrAuth) {
		return exitAuth
	}
	return exitConfig
}

// exitCodeForTick applies the per-tick rule: runtime exit only when errors
// occurred and no write made progress.
func exitCodeForTick(sum calsync.Summary, err error) int {
	if err != nil {
		return exitCodeForErr(err)
	}
	if sum.Errors > 0 && sum.Writes() == 0 {
		return exitTransient
	}
	return exitOK
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}
