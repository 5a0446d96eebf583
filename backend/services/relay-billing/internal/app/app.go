package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	redislib "relayrent/backend/libs/redis"
	"relayrent/backend/services/relay-billing/internal/actuator"
	"relayrent/backend/services/relay-billing/internal/auth"
	"relayrent/backend/services/relay-billing/internal/clock"
	"relayrent/backend/services/relay-billing/internal/config"
	"relayrent/backend/services/relay-billing/internal/db"
	httpserver "relayrent/backend/services/relay-billing/internal/http"
	"relayrent/backend/services/relay-billing/internal/http/handlers"
	"relayrent/backend/services/relay-billing/internal/http/middleware"
	"relayrent/backend/services/relay-billing/internal/metrics"
	redisstore "relayrent/backend/services/relay-billing/internal/redis"
	"relayrent/backend/services/relay-billing/internal/repository"
	"relayrent/backend/services/relay-billing/internal/repository/memory"
	"relayrent/backend/services/relay-billing/internal/service"
	"relayrent/backend/services/relay-billing/internal/sweeper"
	"relayrent/backend/services/relay-billing/internal/ws"
)

// App wires relay billing dependencies.
type App struct {
	server   *httpserver.Server
	sweeper  *sweeper.Sweeper
	hub      *ws.Hub
	driver   actuator.Driver
	db       *sql.DB
	redis    *goredis.Client
	handler  http.Handler
	sweeping bool
	logger   *zap.Logger
}

// New constructs application graph.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{logger: logger, sweeping: cfg.Sweeper.Enabled}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	store, err := a.openStore(cfg)
	if err != nil {
		return nil, err
	}

	var (
		cache  service.ActiveSessionCache
		locker sweeper.Locker
	)
	if cfg.Redis.Addr != "" {
		client, err := redislib.NewRedisClient(redislib.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("app: redis: %w", err)
		}
		a.redis = client
		cache = redisstore.NewStore(client, cfg.ActiveSessionTTL())
		locker = redisstore.NewLocker(client)
	} else {
		logger.Info("redis disabled: no active session cache, local sweeper locks only")
	}

	node, err := snowflake.NewNode(cfg.Billing.SnowflakeNode)
	if err != nil {
		return nil, fmt.Errorf("app: snowflake: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("app: metrics: %w", err)
	}

	a.hub = ws.NewHub(logger)

	a.driver, err = actuator.New(actuatorOptions(cfg), logger)
	if err != nil {
		return nil, fmt.Errorf("app: actuator: %w", err)
	}

	clk := clock.SystemClock{}
	devices := service.NewRegistry(store, clk, service.RegistryConfig{
		LivenessWindow: cfg.Billing.LivenessWindow,
		AutoRegister:   cfg.Registry.AutoRegister,
		DefaultPins:    cfg.Registry.DefaultPins,
	}, a.hub, m, logger)
	relays := service.NewRelays(store, a.driver, cfg.ActuatorTimeout(), clk, a.hub, m, logger)
	promotions := service.NewPromotions(store, logger)
	engine, err := service.NewEngine(service.EngineDeps{
		Store:           store,
		Actuator:        a.driver,
		Cache:           cache,
		Events:          a.hub,
		Metrics:         m,
		Clock:           clk,
		IDs:             func() int64 { return node.Generate().Int64() },
		Logger:          logger,
		LivenessWindow:  cfg.Billing.LivenessWindow,
		RequireOnline:   cfg.Billing.RequireOnline,
		ActuatorTimeout: cfg.ActuatorTimeout(),
	})
	if err != nil {
		return nil, err
	}

	a.sweeper = sweeper.New(devices, engine, locker, clk, m, logger, sweeper.Config{
		LivenessInterval: cfg.Sweeper.LivenessInterval,
		ExpiryInterval:   cfg.Sweeper.ExpiryInterval,
		JobTimeout:       cfg.Sweeper.JobTimeout,
	})

	var sweepOnRead func(ctx context.Context) error
	if cfg.Sweeper.SweepOnRead {
		sweepOnRead = func(ctx context.Context) error {
			_, _, _, err := a.sweeper.Liveness(ctx)
			return err
		}
	}

	deps := httpserver.RouterDeps{
		DeviceHandlers:  handlers.NewDeviceHandlers(devices, sweepOnRead, clk.Now, logger),
		RelayHandlers:   handlers.NewRelayHandlers(relays, logger),
		BillingHandlers: handlers.NewBillingHandlers(engine, a.sweeper, logger),
		AdminHandlers:   handlers.NewAdminHandlers(devices, promotions, logger),
		EventsHandler:   ws.NewServer(a.hub, cfg.WSWriteTimeout(), logger).HandleWS,
		HealthHandler:   handlers.HealthHandler,
		MetricsHandler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	var authMW func(http.Handler) http.Handler
	if cfg.AuthEnabled() {
		tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		authService := auth.NewAuthService(cfg.Auth.Operators, auth.NewBcryptHasher(0), tokens, logger)
		deps.AuthHandlers = handlers.NewAuthHandlers(authService, logger)
		authMW = middleware.AuthMiddleware(tokens)
	} else {
		logger.Warn("auth.jwtSecret not set: operator routes are unauthenticated")
	}

	a.handler = httpserver.NewRouter(deps, authMW)
	a.server = httpserver.NewServer(
		httpserver.Config{
			Addr:         cfg.HTTPAddress(),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
		a.handler,
		logger,
		middleware.Recover(logger),
		middleware.RequestLogger(logger),
	)

	ok = true
	return a, nil
}

func (a *App) openStore(cfg *config.Config) (repository.Store, error) {
	if cfg.Database.Driver != config.DriverPostgres {
		a.logger.Warn("using in-memory store: state is lost on restart")
		return memory.NewStore(), nil
	}

	conn, err := db.NewPostgres(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("app: postgres: %w", err)
	}
	a.db = conn
	if cfg.Database.Migrate {
		if err := db.Migrate(conn); err != nil {
			return nil, err
		}
	}
	return repository.NewPostgresStore(conn), nil
}

func actuatorOptions(cfg *config.Config) actuator.Options {
	c := cfg.Actuator
	return actuator.Options{
		Driver: c.Driver,
		MQTT: actuator.MQTTOptions{
			Broker:      c.MQTT.Broker,
			ClientID:    c.MQTT.ClientID,
			Username:    c.MQTT.Username,
			Password:    c.MQTT.Password,
			TopicPrefix: c.MQTT.TopicPrefix,
			QoS:         byte(c.MQTT.QoS),
			Retained:    c.MQTT.Retained,
		},
		GPIO: actuator.GPIOOptions{
			Chip:      c.GPIO.Chip,
			DeviceID:  c.GPIO.DeviceID,
			Pins:      c.GPIO.Pins,
			ActiveLow: c.GPIO.ActiveLow,
		},
		Modbus: actuator.ModbusOptions{
			Port:          c.Modbus.Port,
			BaudRate:      c.Modbus.BaudRate,
			TimeoutMillis: c.Modbus.TimeoutMillis,
			Slaves:        c.Modbus.Slaves,
		},
	}
}

// Handler exposes the routed handler without the listener.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run serves HTTP, runs the sweeper and the event hub until ctx ends or one of them fails.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("component stopped with error", zap.String("component", name), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				mu.Unlock()
			}
			cancel()
		}()
	}

	run("http", a.server.Run)
	run("events", a.hub.Run)
	if a.sweeping {
		run("sweeper", a.sweeper.Run)
	}

	wg.Wait()
	return errors.Join(errs...)
}

// Close releases the actuator transport and storage connections.
func (a *App) Close() {
	if a.driver != nil {
		if err := a.driver.Close(); err != nil {
			a.logger.Warn("actuator close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
