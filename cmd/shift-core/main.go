// Command shift-core is the local data daemon behind the Shift app shell: it
// keeps the collection cache warm, tracks the device position the shell
// pushes over the bridge, and decides check-in eligibility.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	shiftcore "github.com/christiancattaneo/shift-core"
	"github.com/christiancattaneo/shift-core/cache"
	"github.com/christiancattaneo/shift-core/checkin"
	"github.com/christiancattaneo/shift-core/collections"
	"github.com/christiancattaneo/shift-core/location"
	"github.com/christiancattaneo/shift-core/remote"
	"github.com/christiancattaneo/shift-core/server"
	"github.com/christiancattaneo/shift-core/store"
	"github.com/christiancattaneo/shift-core/telemetry"
)

var cli struct {
	Address   string `help:"Address the bridge listens on." default:"127.0.0.1:7777" env:"SHIFT_ADDRESS"`
	AuthToken string `help:"Bearer token required from the shell; empty disables auth." env:"SHIFT_AUTH_TOKEN"`

	Store    string `help:"Cache store backend." enum:"bolt,filesystem,redis" default:"bolt" env:"SHIFT_STORE"`
	DataDir  string `help:"Data directory for the bolt and filesystem backends." default:"./shift-data" env:"SHIFT_DATA_DIR"`
	RedisURL string `help:"Redis URL for the redis backend." default:"redis://127.0.0.1:6379" env:"SHIFT_REDIS_URL"`

	RemoteURL   string `help:"Document-store gateway base URL." default:"https://api.shift.example.com" env:"SHIFT_REMOTE_URL"`
	RemoteToken string `help:"Bearer token for the document-store gateway." env:"SHIFT_REMOTE_TOKEN"`

	MembersTTL  time.Duration `help:"Members TTL override (0 keeps the default)." env:"SHIFT_MEMBERS_TTL"`
	EventsTTL   time.Duration `help:"Events TTL override (0 keeps the default)." env:"SHIFT_EVENTS_TTL"`
	PlacesTTL   time.Duration `help:"Places TTL override (0 keeps the default)." env:"SHIFT_PLACES_TTL"`
	CheckinsTTL time.Duration `help:"Check-ins TTL override (0 keeps the default)." env:"SHIFT_CHECKINS_TTL"`

	OneShotTimeout time.Duration `help:"Deadline for a fresh device fix." default:"5s" env:"SHIFT_ONE_SHOT_TIMEOUT"`
	FreshnessBound time.Duration `help:"Maximum fix age accepted for a check-in decision." default:"2m" env:"SHIFT_FRESHNESS_BOUND"`

	ReaperInterval  time.Duration `help:"How often expired cache entries are swept (0 disables the reaper)." default:"5m" env:"SHIFT_REAPER_INTERVAL"`
	ReaperRetention time.Duration `help:"How long entries survive past expiry before being swept." default:"24h" env:"SHIFT_REAPER_RETENTION"`

	StaticPosition string `help:"Fixed \"lat,lon\" position replacing the bridge source, with permission pre-granted. Development only." env:"SHIFT_STATIC_POSITION"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"SHIFT_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"SHIFT_LOG_FORMAT"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	kong.Parse(&cli,
		kong.Name("shift-core"),
		kong.Description("Local data daemon for the Shift app shell."),
		kong.UsageOnError(),
	)

	// Setup logger
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cli.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics
	metricsShutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "shift-core",
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		_ = metricsShutdown(flushCtx)
	}()

	// Build the cache over the configured byte store
	st, err := openStore()
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cli.Store, err)
	}

	c, err := cache.New(store.NewInstrumented(st, cli.Store), cache.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}
	defer func() { _ = c.Close() }()

	remoteClient := remote.NewClient(cli.RemoteURL, remote.WithBearerToken(cli.RemoteToken))

	hubOpts := []collections.Option{collections.WithLogger(logger)}
	if ttls := ttlOverrides(); len(ttls) > 0 {
		hubOpts = append(hubOpts, collections.WithTTLOverrides(ttls))
	}
	hub := collections.NewHub(c, remoteClient, hubOpts...)

	// Location source: the bridge fed by the shell, or a fixed development
	// position
	var (
		source     location.DeviceLocationSource
		bridge     *location.BridgeSource
		sourceKind = "bridge"
	)
	if cli.StaticPosition != "" {
		pos, err := parsePosition(cli.StaticPosition)
		if err != nil {
			return fmt.Errorf("parsing static position: %w", err)
		}
		source = location.NewStaticSource(pos,
			location.WithStaticAuthorization(shiftcore.PermissionAuthorizedWhenInUse))
		sourceKind = "static"
	} else {
		bridge = location.NewBridgeSource(location.WithBridgeLogger(logger))
		source = bridge
	}

	tracker, err := location.New(location.Config{
		Source:         source,
		OneShotTimeout: cli.OneShotTimeout,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating tracker: %w", err)
	}

	coordinator := checkin.NewCoordinator(tracker, remoteClient, hub,
		checkin.WithLogger(logger),
		checkin.WithFreshnessBound(cli.FreshnessBound),
	)

	reaper := cache.NewReaper(c, cli.ReaperInterval,
		cache.WithReaperLogger(logger),
		cache.WithRetention(cli.ReaperRetention),
	)

	srv, err := server.New(server.Config{
		Address:     cli.Address,
		AuthToken:   cli.AuthToken,
		Cache:       c,
		Hub:         hub,
		Tracker:     tracker,
		Coordinator: coordinator,
		Bridge:      bridge,
		Reaper:      reaper,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("daemon started",
		"address", srv.Address(),
		"store", cli.Store,
		"remote", cli.RemoteURL,
		"location_source", sourceKind,
	)
	fmt.Println()
	fmt.Println("To inspect the daemon:")
	fmt.Printf("  curl http://%s/statusz\n", srv.Address())
	fmt.Printf("  curl http://%s/v1/collections/places\n", srv.Address())
	fmt.Println()

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		// Graceful shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openStore opens the configured byte store backend.
func openStore() (store.ByteStore, error) {
	switch cli.Store {
	case "bolt":
		if err := os.MkdirAll(cli.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return store.NewBolt(filepath.Join(cli.DataDir, "shift.db"))
	case "filesystem":
		return store.NewFilesystem(cli.DataDir)
	case "redis":
		return store.NewRedis(cli.RedisURL)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cli.Store)
	}
}

// ttlOverrides collects the non-zero per-collection TTL flags.
func ttlOverrides() map[shiftcore.CollectionKey]time.Duration {
	flags := map[shiftcore.CollectionKey]time.Duration{
		shiftcore.CollectionMembers:  cli.MembersTTL,
		shiftcore.CollectionEvents:   cli.EventsTTL,
		shiftcore.CollectionPlaces:   cli.PlacesTTL,
		shiftcore.CollectionCheckIns: cli.CheckinsTTL,
	}
	ttls := make(map[shiftcore.CollectionKey]time.Duration)
	for key, d := range flags {
		if d > 0 {
			ttls[key] = d
		}
	}
	return ttls
}

// parsePosition parses a "lat,lon" coordinate pair.
func parsePosition(s string) (shiftcore.Position, error) {
	latStr, lonStr, ok := strings.Cut(s, ",")
	if !ok {
		return shiftcore.Position{}, fmt.Errorf(`expected "lat,lon", got %q`, s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latStr), 64)
	if err != nil {
		return shiftcore.Position{}, fmt.Errorf("parsing latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(lonStr), 64)
	if err != nil {
		return shiftcore.Position{}, fmt.Errorf("parsing longitude: %w", err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return shiftcore.Position{}, fmt.Errorf("coordinates out of range: %s", s)
	}
	return shiftcore.Position{Latitude: lat, Longitude: lon}, nil
}
