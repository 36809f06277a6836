// Command vpdcalc computes vapour pressure deficit from Home Assistant
// temperature and humidity sensors and publishes it back through MQTT
// discovery.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"vpdcalc/internal/api"
	"vpdcalc/internal/auth"
	"vpdcalc/internal/calculator"
	"vpdcalc/internal/config"
	"vpdcalc/internal/entry"
	"vpdcalc/internal/events"
	"vpdcalc/internal/flow"
	"vpdcalc/internal/hass"
	"vpdcalc/internal/history"
	"vpdcalc/internal/metrics"
	"vpdcalc/internal/mqtt"
	"vpdcalc/internal/storage"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

const (
	republishDelay  = 5 * time.Second
	sourceReadyWait = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", ".env", "Path to the .env config file")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("Failed to load config: %v", err)
	}
	logger.Printf("vpdcalc %s starting with %s", Version, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("Fatal: %v", err)
	}
	logger.Printf("Stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	store, err := storage.NewBoltStorage(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	m := metrics.New()
	eventStore := events.NewStore(500)

	// MQTT
	client, err := mqtt.New(mqtt.Config{
		Broker:      cfg.MQTTBroker(),
		ClientID:    cfg.MQTTClientID(),
		Username:    cfg.MQTTUsername(),
		Password:    cfg.MQTTPassword(),
		Prefix:      cfg.MQTTPrefix(),
		UseTLS:      cfg.MQTTUseTLS(),
		StatusTopic: mqtt.BridgeStatusTopic,
	}, logger)
	if err != nil {
		return err
	}
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Disconnect()

	g, gctx := errgroup.WithContext(ctx)

	// Home Assistant state source
	var (
		source   hass.StateSource
		status   api.Connectivity
		registry hass.DeviceRegistry
		rest     *hass.RESTClient
	)
	if cfg.HAToken() != "" {
		rest = hass.NewRESTClient(cfg.HAURL(), cfg.HAToken())
		if err := rest.Ping(ctx); err != nil {
			if errors.Is(err, hass.ErrAuthInvalid) {
				return err
			}
			logger.Printf("[HASS] REST API not reachable yet: %v", err)
		}
	}

	switch cfg.StateSource() {
	case config.StateSourceStatestream:
		ss := hass.NewStatestream(client, cfg.StatestreamPrefix(), logger)
		if err := ss.Start(); err != nil {
			return err
		}
		defer ss.Stop()
		source, status = ss, ss
	default:
		ws, err := hass.NewWSClient(cfg.HAURL(), cfg.HAToken(), eventStore, m, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return ws.Run(gctx) })

		readyCtx, cancel := context.WithTimeout(ctx, sourceReadyWait)
		if err := ws.WaitReady(readyCtx); err != nil {
			logger.Printf("[HASS] Not connected after %s, entries start unavailable: %v", sourceReadyWait, err)
		}
		cancel()
		source, status, registry = ws, ws, ws
	}

	// History sinks
	boltHistory := history.NewBoltRecorder(store, cfg.HistorySize())
	var influx history.Recorder
	if cfg.InfluxEnabled() {
		ir := history.NewInfluxRecorder(cfg.InfluxURL(), cfg.InfluxToken(), cfg.InfluxOrg(), cfg.InfluxBucket())
		if err := ir.Ping(ctx); err != nil {
			logger.Printf("[History] InfluxDB not reachable yet: %v", err)
		}
		influx = ir
	}
	recorder := history.NewQueue(history.NewMulti(m, logger, boltHistory, influx), history.DefaultQueueSize, m, logger)
	defer recorder.Close()
	g.Go(func() error {
		recorder.Run(gctx)
		return nil
	})

	// Calculators
	discovery := mqtt.NewDiscoveryManager(client, store, m, logger)
	manager := calculator.NewManager(calculator.Deps{
		Messenger:       client,
		Discovery:       discovery,
		Source:          source,
		Registry:        registry,
		Entries:         entry.NewStore(store),
		Recorder:        recorder,
		History:         boltHistory,
		Metrics:         m,
		Events:          eventStore,
		Logger:          logger,
		Prefix:          cfg.MQTTPrefix(),
		DiscoveryPrefix: cfg.DiscoveryPrefix(),
	})

	if _, err := manager.CleanupStale(); err != nil {
		logger.Printf("[Calculator] Stale discovery cleanup failed: %v", err)
	}
	if err := manager.LoadAll(ctx); err != nil {
		return err
	}
	defer func() {
		if err := manager.Shutdown(); err != nil {
			logger.Printf("[Calculator] Shutdown: %v", err)
		}
	}()

	if err := discovery.WatchHAStatus(gctx, cfg.DiscoveryPrefix(), republishDelay, manager.RepublishAll); err != nil {
		return fmt.Errorf("failed to watch Home Assistant status: %w", err)
	}

	// A broker restarted without persistence has lost every retained message
	client.OnConnect(func() {
		if gctx.Err() != nil {
			return
		}
		if err := discovery.RepublishAll(); err != nil {
			logger.Printf("[Discovery] Republish after reconnect: %v", err)
		}
		manager.RepublishAll()
	})

	// Wizards
	flows := flow.NewManager(manager, hass.NewResolver(source, rest).Resolve, logger)
	g.Go(func() error {
		flows.Run(gctx)
		return nil
	})

	// HTTP API
	wsTokens := auth.NewWSTokenStore()
	rateLimiter := auth.NewLoginRateLimiter()
	g.Go(func() error {
		wsTokens.Run(gctx, logger)
		return nil
	})
	g.Go(func() error {
		rateLimiter.Run(gctx, logger)
		return nil
	})

	server := api.NewServer(api.Options{
		Calculators:   manager,
		Flows:         flows,
		Events:        eventStore,
		Metrics:       m,
		Authenticator: auth.NewAuthenticator(cfg),
		JWT:           auth.NewJWTManager(cfg.JWTSecret(), cfg.JWTExpiration()),
		WSTokens:      wsTokens,
		RateLimiter:   rateLimiter,
		Passwords:     cfg,
		NoAuth:        cfg.NoAuth(),
		Broker:        client,
		Source:        status,
		SourceName:    cfg.StateSource(),
		CORSOrigins:   cfg.CORSOrigins(),
		Version:       Version,
		Logger:        logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Printf("[API] Listening on %s", cfg.Addr())
		if cfg.NoAuth() {
			logger.Printf("[API] WARNING: Authentication is DISABLED!")
		}
		printAccessURLs(logger, cfg.Addr())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// getLocalIPs returns all local IPv4 addresses
func getLocalIPs() []string {
	var ips []string

	interfaces, err := net.Interfaces()
	if err != nil {
		return ips
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() || ip.To4() == nil {
				continue
			}
			ips = append(ips, ip.String())
		}
	}

	return ips
}

// printAccessURLs logs the URLs the API can be reached on
func printAccessURLs(logger *log.Logger, addr string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		port = strings.TrimPrefix(addr, ":")
	}
	if host != "" && host != "0.0.0.0" {
		logger.Printf("[API] Open http://%s in your browser", net.JoinHostPort(host, port))
		return
	}

	ips := getLocalIPs()
	if len(ips) == 0 {
		logger.Printf("[API] Open http://localhost:%s in your browser", port)
		return
	}
	for _, ip := range ips {
		logger.Printf("[API] Access URL: http://%s:%s", ip, port)
	}
}
