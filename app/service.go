// Package app wires the orchestration engine together from configuration.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tmarchal/medispense/api/alerts"
	"github.com/tmarchal/medispense/api/devices"
	apievents "github.com/tmarchal/medispense/api/events"
	"github.com/tmarchal/medispense/config"
	"github.com/tmarchal/medispense/core/alert"
	"github.com/tmarchal/medispense/core/devicestatus"
	"github.com/tmarchal/medispense/core/dispense"
	"github.com/tmarchal/medispense/core/events"
	"github.com/tmarchal/medispense/core/inventory"
	coremetrics "github.com/tmarchal/medispense/core/metrics"
	"github.com/tmarchal/medispense/core/schedule"
	"github.com/tmarchal/medispense/core/store"
	"github.com/tmarchal/medispense/core/telemetry"
	"github.com/tmarchal/medispense/infra/logger"
	"github.com/tmarchal/medispense/infra/metrics"
	"github.com/tmarchal/medispense/infra/mqtt"
	"github.com/tmarchal/medispense/infra/notify"
	sqlitestore "github.com/tmarchal/medispense/infra/store/sqlite"
	"github.com/tmarchal/medispense/internal/eventbus"
	"github.com/tmarchal/medispense/internal/realtime"
)

// Service orchestrates the scheduling, dispensing and alerting loops.
type Service struct {
	Store    store.Store
	Router   *telemetry.Router
	Expander *schedule.Expander
	Machine  *dispense.StateMachine
	Engine   *alert.Engine
	Hub      *realtime.Hub

	runner  *schedule.Runner
	monitor *dispense.Monitor
	bridge  *alert.Bridge
	health  devicestatus.Store
	bus     *eventbus.Bus[events.Event]
	log     logger.Logger
	client  *mqtt.PahoClient
	closer  func() error

	promEnabled bool
	promPort    string
	apiAddr     string
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")

	var (
		st     store.Store
		closer func() error
	)
	switch cfg.Store.Backend {
	case "sqlite":
		s, err := sqlitestore.NewStore(cfg.Store.Path)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		st = s
		closer = s.Close
	default:
		st = store.NewMemoryStore()
	}

	var sinks []coremetrics.Sink
	if cfg.Metrics.PrometheusEnabled {
		sink, err := metrics.NewPromSink(cfg.Metrics)
		if err != nil {
			return nil, fmt.Errorf("prom sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	if cfg.Metrics.InfluxEnabled {
		sink := metrics.NewInfluxSinkWithFallback(cfg.Metrics.InfluxURL,
			cfg.Metrics.InfluxToken, cfg.Metrics.InfluxOrg, cfg.Metrics.InfluxBucket)
		sinks = append(sinks, sink)
	}
	var sink coremetrics.Sink = coremetrics.NopSink{}
	if len(sinks) == 1 {
		sink = sinks[0]
	} else if len(sinks) > 1 {
		sink = metrics.NewMultiSink(sinks...)
	}

	bus := eventbus.New[events.Event]()

	ledger, err := inventory.NewLedger(st, bus, sink, logger.New("inventory"), cfg.Engine.LowStockThreshold)
	if err != nil {
		return nil, err
	}

	tiers := alert.Directory{
		Caregivers: cfg.Alerts.Caregivers,
		Providers:  cfg.Alerts.Providers,
		Emergency:  cfg.Alerts.Emergency,
		Operators:  cfg.Alerts.Operators,
	}
	engine, err := alert.NewEngine(st, tiers, nil, bus, sink, logger.New("alerts"),
		time.Duration(cfg.Alerts.EscalateAfterMinutes)*time.Minute,
		time.Duration(cfg.Alerts.SweepIntervalSeconds)*time.Second)
	if err != nil {
		return nil, err
	}

	machine, err := dispense.NewStateMachine(st, ledger, engine, bus, sink, logger.New("dispense"))
	if err != nil {
		return nil, err
	}

	expander, err := schedule.NewExpander(st, bus, logger.New("schedule"))
	if err != nil {
		return nil, err
	}
	if cfg.Engine.Timezone != "UTC" {
		loc, err := time.LoadLocation(cfg.Engine.Timezone)
		if err != nil {
			return nil, fmt.Errorf("timezone: %w", err)
		}
		expander.SetClock(time.Now, loc)
	}

	health := devicestatus.NewMemoryStore()
	router, err := telemetry.NewRouter(st, machine, ledger, engine, health, nil, bus, logger.New("telemetry"))
	if err != nil {
		return nil, err
	}

	svc := &Service{
		Store:       st,
		Router:      router,
		Expander:    expander,
		Machine:     machine,
		Engine:      engine,
		Hub:         realtime.NewHub(bus),
		health:      health,
		bus:         bus,
		log:         logg,
		closer:      closer,
		promEnabled: cfg.Metrics.PrometheusEnabled,
		promPort:    cfg.Metrics.PrometheusPort,
		apiAddr:     cfg.API.Addr,
	}

	if cfg.MQTT.Broker != "" {
		client, err := mqtt.NewPahoClient(cfg.MQTT, router)
		if err != nil {
			return nil, fmt.Errorf("mqtt client: %w", err)
		}
		svc.client = client
		router.SetSender(client)
		engine.SetChannels(buildChannels(cfg, client))
	}

	svc.runner = schedule.NewRunner(expander,
		time.Duration(cfg.Engine.ExpandIntervalMinutes)*time.Minute,
		time.Duration(cfg.Engine.HorizonDays)*24*time.Hour)
	svc.monitor, err = dispense.NewMonitor(machine, st, router, bus, logger.New("monitor"),
		time.Duration(cfg.Engine.GraceMinutes)*time.Minute,
		time.Duration(cfg.Engine.SweepIntervalSeconds)*time.Second)
	if err != nil {
		return nil, err
	}
	svc.bridge, err = alert.NewBridge(engine, st, bus, logger.New("alerts"))
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func buildChannels(cfg *config.Config, client *mqtt.PahoClient) []alert.Channel {
	var chans []alert.Channel
	for _, name := range cfg.Alerts.Channels {
		switch name {
		case "push":
			chans = append(chans, notify.NewMQTTChannel(client, cfg.MQTT.QoS["notify"]))
		case "webhook":
			chans = append(chans, notify.NewWebhookChannel(cfg.Alerts.WebhookURL))
		}
	}
	return chans
}

// Health exposes the device health store for API wiring.
func (s *Service) Health() devicestatus.Store { return s.health }

// Run starts the engine loops and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	go s.runner.Run(ctx)
	go s.monitor.Run(ctx)
	go s.Engine.Run(ctx)
	go s.bridge.Run(ctx)
	go s.Hub.Run(ctx)

	if s.promEnabled {
		metrics.StartPromServer(ctx, s.promPort)
	}
	if s.apiAddr != "" {
		s.startAPI(ctx)
	}

	<-ctx.Done()
	return nil
}

func (s *Service) startAPI(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/api/devices/status", devices.NewStatusHandler(s.health))
	mux.Handle("/api/alerts", alerts.NewListHandler(s.Store))
	mux.Handle("/api/alerts/notifications", alerts.NewNotificationsHandler(s.Store))
	mux.Handle("/api/events", apievents.NewListHandler(s.Store))
	mux.Handle("/api/adherence", apievents.NewAdherenceHandler(dispense.NewReporter(s.Store, s.bus)))
	srv := &http.Server{Addr: s.apiAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Errorf("api shutdown: %v", err)
		}
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("api server: %v", err)
		}
	}()
}

// Close releases resources held by the service. In-flight notification
// deliveries are drained before the transport goes away.
func (s *Service) Close() error {
	s.Engine.Flush()
	if s.client != nil {
		s.client.Disconnect()
	}
	s.bus.Close()
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
