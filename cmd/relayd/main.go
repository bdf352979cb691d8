// Command relayd runs the telemetry relay.
//
//	relayd [-config path] [-check]
//
// With no flags it loads configuration from AQUARELAY_CONFIG or the standard
// paths, listens on PORT (default 8080) and relays until SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/vinayprograms/aquarelay/bus"
	"github.com/vinayprograms/aquarelay/config"
	"github.com/vinayprograms/aquarelay/gateway"
	"github.com/vinayprograms/aquarelay/heartbeat"
	"github.com/vinayprograms/aquarelay/logging"
	"github.com/vinayprograms/aquarelay/metrics"
	"github.com/vinayprograms/aquarelay/ratelimit"
	"github.com/vinayprograms/aquarelay/registry"
	"github.com/vinayprograms/aquarelay/relay"
	"github.com/vinayprograms/aquarelay/server"
	"github.com/vinayprograms/aquarelay/shutdown"
	"github.com/vinayprograms/aquarelay/state"
	"github.com/vinayprograms/aquarelay/telemetry"
	"github.com/vinayprograms/aquarelay/transport"
)

func main() {
	configPath := flag.String("config", "", "path to aquarelay.toml")
	check := flag.Bool("check", false, "validate configuration and exit")
	flag.Parse()

	if err := run(*configPath, *check); err != nil {
		fmt.Fprintf(os.Stderr, "relayd: %v\n", err)
		os.Exit(1)
	}
}

func run(path string, check bool) error {
	cfg, used, err := config.Load(path)
	if err != nil {
		return err
	}
	if check {
		if used == "" {
			used = "defaults"
		}
		fmt.Printf("configuration ok (%s)\n", used)
		return nil
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	log := logger.WithComponent("relayd")
	log.Info("starting", map[string]interface{}{
		"config":    used,
		"addr":      cfg.Addr(),
		"handshake": cfg.Relay.Handshake,
		"envelope":  cfg.Relay.Envelope,
	})

	ctx := context.Background()
	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout:         cfg.Server.ShutdownTimeout.Duration,
		ContinueOnError: true,
		Logger:          logger.WithComponent("shutdown"),
	})

	m := metrics.New()

	tracer := telemetry.NewNoopTracer()
	if cfg.Telemetry.Endpoint != "" {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			Protocol:    cfg.Telemetry.Protocol,
			Insecure:    cfg.Telemetry.Insecure,
			Debug:       cfg.Telemetry.Debug,
			SampleRatio: cfg.Telemetry.SampleRatio,
			Handshake:   cfg.Relay.Handshake,
			Envelope:    cfg.Relay.Envelope,
		})
		if err != nil {
			log.Warn("tracing disabled", map[string]interface{}{"error": err.Error()})
		} else {
			tracer = provider.Tracer()
			coord.RegisterFunc("tracing", shutdown.PhaseBackends, provider.Shutdown)
		}
	}

	var store state.Store = state.NewMemoryStore()
	var mirror bus.Publisher
	if cfg.NATS.URL != "" {
		natsCfg := bus.DefaultNATSConfig()
		natsCfg.URL = cfg.NATS.URL
		natsBus, err := bus.NewNATSBus(natsCfg)
		if err != nil {
			log.Warn("nats unavailable, keeping state in memory", map[string]interface{}{
				"url":   cfg.NATS.URL,
				"error": err.Error(),
			})
		} else {
			mirror = natsBus

			storeCfg := state.DefaultNATSStoreConfig()
			storeCfg.Conn = natsBus.Conn()
			if cfg.NATS.Bucket != "" {
				storeCfg.Bucket = cfg.NATS.Bucket
			}
			kv, err := state.NewNATSStore(ctx, storeCfg)
			if err != nil {
				log.Warn("nats kv unavailable, keeping state in memory", map[string]interface{}{
					"bucket": storeCfg.Bucket,
					"error":  err.Error(),
				})
			} else {
				store = kv
				log.Info("latest sample kept in nats kv", map[string]interface{}{"bucket": kv.Bucket()})
			}
			// Flushes pending mirror publishes before the connection closes.
			coord.RegisterFunc("bus", shutdown.PhaseBackends, func(context.Context) error {
				return natsBus.Close()
			})
		}
	}
	coord.RegisterFunc("store", shutdown.PhaseBackends, func(context.Context) error {
		return store.Close()
	})

	reg := registry.New(
		registry.WithLogger(logger.WithComponent("registry")),
		registry.WithObserver(m.ObserveRegistry),
		registry.WithEnvelope(cfg.Relay.Envelope),
	)

	engineOpts := []relay.Option{
		relay.WithLogger(logger.WithComponent("relay")),
		relay.WithMetrics(m),
		relay.WithTracer(tracer),
		relay.WithStore(store),
	}
	if mirror != nil {
		engineOpts = append(engineOpts, relay.WithMirror(mirror))
	}
	engine := relay.New(reg, relay.Config{
		Envelope: cfg.Relay.Envelope,
		Subject:  cfg.NATS.Subject,
	}, engineOpts...)
	if err := engine.Restore(ctx); err != nil {
		log.Warn("latest sample not restored", map[string]interface{}{"error": err.Error()})
	}

	sup, err := heartbeat.NewSupervisor(heartbeat.Config{
		Registry: reg,
		Interval: cfg.Liveness.Interval.Duration,
		Logger:   logger.WithComponent("liveness"),
		Metrics:  m,
		Tracer:   tracer,
	})
	if err != nil {
		return fmt.Errorf("liveness supervisor: %w", err)
	}
	if err := sup.Start(ctx); err != nil {
		return err
	}
	coord.RegisterFunc("liveness", shutdown.PhaseLiveness, func(context.Context) error {
		return sup.Stop()
	})

	limiter := ratelimit.NewLimiter(cfg.Relay.MaxRate, time.Second)
	gw := gateway.New(reg, engine, gateway.Config{
		Policy:          gateway.Policy(cfg.Relay.Handshake),
		RoleHeader:      cfg.Relay.RoleHeader,
		RegisterTimeout: cfg.Relay.RegisterTimeout.Duration,
		Transport: transport.Config{
			WriteTimeout:   cfg.Transport.WriteTimeout.Duration,
			MaxMessageSize: cfg.Transport.MaxMessageSize,
			SendBufferSize: cfg.Transport.SendBuffer,
		},
	},
		gateway.WithLogger(logger.WithComponent("gateway")),
		gateway.WithMetrics(m),
		gateway.WithTracer(tracer),
		gateway.WithLimiter(limiter),
	)
	coord.RegisterFunc("peers", shutdown.PhasePeers, func(ctx context.Context) error {
		n := reg.CloseAll(transport.ReasonShutdown)
		log.Info("closing peers", map[string]interface{}{"count": n})
		err := gw.Shutdown(ctx)
		limiter.Close()
		return err
	})

	srv := server.New(server.Config{
		Addr:      cfg.Addr(),
		StaticDir: cfg.Server.StaticDir,
	}, reg, gw,
		server.WithLogger(logger.WithComponent("http")),
		server.WithMetrics(m),
	)
	coord.RegisterWithPhase("http", srv, shutdown.PhaseIngress)

	serveErr := make(chan error, 1)
	go func() {
		err := srv.ListenAndServe()
		if err != nil {
			log.Error("http server failed", map[string]interface{}{"error": err.Error()})
			coord.Trigger()
		}
		serveErr <- err
	}()

	coord.HandleSignals()
	<-coord.Done()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	default:
	}
	return coord.Err()
}

func newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	logger := logging.New()

	if cfg.Level != "" {
		level, err := logging.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		logger.SetLevel(level)
	}
	if cfg.Format != "" {
		format, err := logging.ParseFormat(cfg.Format)
		if err != nil {
			return nil, err
		}
		logger.SetFormat(format)
	}
	return logger, nil
}
