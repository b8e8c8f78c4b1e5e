// Tableside Auth - multi-tenant authentication for restaurant operations
//
// This is the main entry point for the auth service. It serves:
//   - Password, PIN, station and demo logins
//   - Token validation for every other Tableside service
//   - Station management and bulk revocation
//   - A WebSocket feed of auth events per restaurant
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/tableside/auth-core/internal/api"
	"github.com/tableside/auth-core/internal/audit"
	"github.com/tableside/auth-core/internal/auth"
	"github.com/tableside/auth-core/internal/events"
	"github.com/tableside/auth-core/internal/identity"
	"github.com/tableside/auth-core/internal/infrastructure/config"
	"github.com/tableside/auth-core/internal/infrastructure/database"
	"github.com/tableside/auth-core/internal/infrastructure/influxdb"
	"github.com/tableside/auth-core/internal/infrastructure/logging"
	"github.com/tableside/auth-core/internal/infrastructure/metrics"
	"github.com/tableside/auth-core/internal/infrastructure/mqtt"
	"github.com/tableside/auth-core/internal/infrastructure/redis"
	"github.com/tableside/auth-core/internal/ratelimit"
	"github.com/tableside/auth-core/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Tableside Auth",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Secrets usually arrive through the environment; a .env file is a
	// development convenience.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"environment", cfg.Service.Environment,
		"identity_driver", cfg.Identity.Driver,
		"ratelimit_store", cfg.RateLimit.Store,
	)

	// Open database
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	components := map[string]api.HealthChecker{}
	m := metrics.New()

	// Rate-limit state: Redis when several instances share tenants
	var (
		store       ratelimit.Store
		memoryStore *ratelimit.MemoryStore
	)
	if cfg.RateLimit.Store == config.StoreRedis {
		rdb, redisErr := redis.Connect(ctx, cfg.Redis)
		if redisErr != nil {
			return fmt.Errorf("connecting to Redis: %w", redisErr)
		}
		defer func() {
			log.Info("closing Redis")
			if closeErr := rdb.Close(); closeErr != nil {
				log.Error("error closing Redis", "error", closeErr)
			}
		}()
		store = ratelimit.NewRedisStore(rdb)
		components["redis"] = rdb
		log.Info("Redis connected", "addr", cfg.Redis.Addr)
	} else {
		memoryStore = ratelimit.NewMemoryStore()
		store = memoryStore
	}

	// MQTT carries auth events between instances (optional)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT, log)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		components["mqtt"] = mqttClient
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)
	} else {
		log.Info("MQTT disabled, auth events stay on this instance")
	}

	// Login telemetry (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, log)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		components["influxdb"] = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	svc, err := buildServices(cfg, db, log)
	if err != nil {
		return err
	}

	// Local accounts need someone to sign in first.
	if cfg.Identity.Driver == config.IdentityLocal {
		if _, seedErr := identity.SeedAdmin(ctx, svc.users, cfg.Identity.SeedAdminEmail, log, os.Stderr); seedErr != nil {
			return fmt.Errorf("seeding admin: %w", seedErr)
		}
	}

	eventDeps := events.Deps{
		Audit:   audit.NewSQLiteRepository(db.DB),
		Metrics: m,
		Logger:  log.With("component", "events"),
	}
	if mqttClient != nil {
		eventDeps.Publisher = mqttClient
	}
	if influxClient != nil {
		eventDeps.Telemetry = influxClient
	}
	dispatcher := events.NewDispatcher(eventDeps)

	server, err := api.New(api.Deps{
		Config:      cfg,
		Logger:      log,
		Verifier:    svc.verifier,
		Issuer:      svc.issuer,
		Validator:   svc.validator,
		Access:      svc.access,
		Binding:     svc.binding,
		Stations:    svc.stations,
		Members:     svc.members,
		Revocations: svc.revocations,
		Identity:    svc.identity,
		Limiter:     ratelimit.New(store, ratelimit.ConfigFrom(cfg.RateLimit), ratelimit.WithLogger(log)),
		Events:      dispatcher,
		Metrics:     m,
		Audit:       eventDeps.Audit,
		Database:    db,
		Components:  components,
		Version:     version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		runMaintenance(gctx, cfg.GetCleanupInterval(), svc.sweepers(memoryStore), log)
		return nil
	})
	if err := server.Start(gctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal",
		"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	<-gctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if closeErr := server.Close(); closeErr != nil {
		log.Error("error closing API server", "error", closeErr)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("Tableside Auth stopped")
	return nil
}

// services are the auth components shared by the API and the maintenance loop.
type services struct {
	verifier    *auth.CredentialVerifier
	issuer      *auth.Issuer
	validator   *auth.Validator
	access      *auth.RestaurantAccessResolver
	binding     *auth.DeviceBinding
	stations    *auth.SQLiteStationRepository
	members     *auth.SQLiteMembershipRepository
	revocations *auth.SQLiteRevocationList
	users       *identity.SQLiteUserRepository
	refresh     *identity.SQLiteRefreshTokenRepository
	identity    identity.Provider
}

func buildServices(cfg *config.Config, db *database.DB, log *logging.Logger) (*services, error) {
	tokens := cfg.Security.Tokens
	secrets := auth.Secrets{
		Password: tokens.PasswordSecret,
		PIN:      tokens.PINSecret,
		Station:  tokens.StationSecret,
		Demo:     tokens.DemoSecret,
	}

	hasher, err := auth.NewPINHasher(cfg.Security.PIN.Peppers, cfg.Security.PIN.CurrentPepperVersion)
	if err != nil {
		return nil, fmt.Errorf("configuring pin hasher: %w", err)
	}
	binding, err := auth.NewDeviceBinding(cfg.Security.Device.FingerprintSalt)
	if err != nil {
		return nil, fmt.Errorf("configuring device binding: %w", err)
	}

	scopes := auth.NewScopeResolver(auth.DefaultRoleScopes())
	svc := &services{
		binding:     binding,
		stations:    auth.NewStationRepository(db.DB),
		members:     auth.NewMembershipRepository(db.DB),
		revocations: auth.NewRevocationList(db.DB),
		users:       identity.NewUserRepository(db.DB),
		refresh:     identity.NewRefreshTokenRepository(db.DB),
		issuer: auth.NewIssuer(tokens.Issuer, secrets, auth.TTLs{
			PIN:      minutes(tokens.PINTTL),
			Station:  minutes(tokens.StationTTL),
			Demo:     minutes(tokens.DemoTTL),
			Password: minutes(cfg.Identity.AccessTokenTTL),
		}, nil),
	}

	svc.verifier = auth.NewCredentialVerifier(auth.NewCredentialRepository(db.DB), hasher, scopes,
		auth.WithLockout(cfg.Security.PIN.LockoutThreshold, minutes(cfg.Security.PIN.LockoutDuration)))
	svc.validator = auth.NewValidator(auth.ValidatorDeps{
		Secrets:     secrets,
		Stations:    svc.stations,
		Revocations: svc.revocations,
		Binding:     binding,
		Scopes:      scopes,
	})
	svc.access = auth.NewRestaurantAccessResolver(svc.members, scopes, tokens.StrictTenant)

	switch cfg.Identity.Driver {
	case config.IdentityRemote:
		svc.identity = identity.NewRemoteProvider(cfg.Identity.URL, cfg.Identity.APIKey,
			time.Duration(cfg.Identity.Timeout)*time.Second, nil)
		log.Info("using remote identity provider", "url", cfg.Identity.URL)
	default:
		svc.identity = identity.NewLocalProvider(identity.LocalDeps{
			Users:      svc.users,
			Tokens:     svc.refresh,
			Members:    svc.members,
			Issuer:     svc.issuer,
			RefreshTTL: minutes(cfg.Identity.RefreshTokenTTL),
		})
	}
	return svc, nil
}

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

// getConfigPath returns the configuration file path.
// Uses TABLESIDE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TABLESIDE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
