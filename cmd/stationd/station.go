package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/c360/stationd/bthome"
	"github.com/c360/stationd/config"
	"github.com/c360/stationd/discovery"
	"github.com/c360/stationd/errors"
	"github.com/c360/stationd/exposition"
	"github.com/c360/stationd/health"
	"github.com/c360/stationd/loadcell"
	"github.com/c360/stationd/metric"
	"github.com/c360/stationd/natsclient"
	"github.com/c360/stationd/pkg/retry"
	"github.com/c360/stationd/sensor"
	"github.com/c360/stationd/snapshot"
)

const (
	statsInterval      = 5 * time.Second
	defaultConnectWait = 2 * time.Second
	maxConnectWait     = 30 * time.Second
	snapshotPath       = "/snapshot"
	sensorsPath        = "/sensors"
	tarePath           = "/loadcell/tare"
)

// station owns every component of one running station.
type station struct {
	cfg        *config.Config
	logger     *slog.Logger
	instanceID string
	started    time.Time

	metrics  *metric.MetricsRegistry
	monitor  *health.Monitor
	registry *sensor.Registry
	cache    *bthome.Cache
	ingestor *bthome.Ingestor
	sampler  *loadcell.Sampler
	exporter *exposition.Exporter
	snapshot *snapshot.Exporter
	server   *metric.Server
	nats     *natsclient.Client
	mdns     *discovery.Advertiser
}

func newStation(cfg *config.Config, cli *CLIConfig, logger *slog.Logger) (*station, error) {
	s := &station{
		cfg:        cfg,
		logger:     logger,
		instanceID: cfg.Station.InstanceID,
		started:    time.Now(),
		metrics:    metric.NewMetricsRegistry(),
	}
	if s.instanceID == "" {
		s.instanceID = uuid.NewString()
	}
	core := s.metrics.CoreMetrics()
	s.monitor = health.NewMonitor(appName, core)

	s.registry = sensor.NewRegistry(
		sensor.WithCapacity(cfg.Registry.Capacity),
		sensor.WithLogger(logger),
	)

	var weight, raw sensor.Handle = -1, -1
	if cfg.LoadCell.Enabled {
		sampler, err := loadcell.NewSampler(s.registry,
			loadcell.IIOSource{Path: cfg.LoadCell.Path},
			loadcell.Calibration{Tare: cfg.LoadCell.Tare, Scale: cfg.LoadCell.Scale},
			loadcell.WithLogger(logger),
			loadcell.WithMonitor(s.monitor),
			loadcell.WithTareLink(tarePath),
		)
		if err != nil {
			return nil, err
		}
		s.sampler = sampler
		weight, raw = sampler.Handles()
	}

	vocab := bthome.DefaultVocabulary()
	policy := cfg.BTHome.FilterPolicy()
	s.cache = bthome.NewCache(
		bthome.WithCacheSize(cfg.BTHome.CacheSize),
		bthome.WithMaxAge(cfg.BTHome.MaxAge),
	)
	var relay *bthome.Relay
	if cfg.BTHome.Relay {
		relay = bthome.NewRelay(s.registry, policy, vocab, logger)
	}
	s.ingestor = bthome.NewIngestor(s.cache, relay, logger)

	signal := health.WirelessSignal{Interface: cli.WiFiInterface}

	s.exporter = exposition.NewExporter(s.registry,
		exposition.WithHostname(cfg.Station.Hostname),
		exposition.WithBufferSize(cfg.HTTP.BufferSize),
		exposition.WithWeightSensors(weight, raw),
		exposition.WithSignal(signal),
		exposition.WithEngine(exposition.NewEngine(s.cache, policy, vocab)),
		exposition.WithStartTime(s.started),
		exposition.WithLogger(logger),
		exposition.WithMetrics(core),
	)

	if cfg.NATS.Enabled() {
		client, err := s.newNATSClient()
		if err != nil {
			return nil, err
		}
		s.nats = client
	}

	snapOpts := []snapshot.Option{
		snapshot.WithHostname(cfg.Station.Hostname),
		snapshot.WithTopic(cfg.Publish.Topic),
		snapshot.WithBufferSize(cfg.Publish.BufferSize),
		snapshot.WithLockTimeout(cfg.Publish.LockTimeout),
		snapshot.WithCounters(health.NewHostMemory(health.WithCountersLogger(logger))),
		snapshot.WithSignal(signal),
		snapshot.WithStartTime(s.started),
		snapshot.WithLogger(logger),
		snapshot.WithMetrics(core),
	}
	if s.nats != nil {
		s.snapshot = snapshot.NewExporter(s.registry, s.nats, snapOpts...)
	} else {
		s.snapshot = snapshot.NewExporter(s.registry, nil, snapOpts...)
	}

	s.server = metric.NewServer(cfg.HTTP.Port, s.metrics, s.exporter)
	s.server.Handle(metric.DefaultHealthPath, s.monitor)
	s.server.Handle(snapshotPath, s.snapshot)
	s.server.Handle(sensorsPath, sensor.NewHandler(s.registry, cfg.HTTP.BufferSize, logger))
	if s.sampler != nil {
		s.server.Handle(tarePath, s.sampler)
	}

	if err := s.metrics.Register("bthome", "cached_devices", prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "stationd",
			Subsystem: "bthome",
			Name:      "cached_devices",
			Help:      "Devices currently held in the observation cache",
		},
		func() float64 { return float64(s.cache.Len()) },
	)); err != nil {
		return nil, err
	}

	if cfg.HTTP.Advertise {
		s.mdns = discovery.NewAdvertiser(discovery.WithLogger(logger))
	}

	s.monitor.UpdateHealthy("exporter", "serving")
	return s, nil
}

func (s *station) newNATSClient() (*natsclient.Client, error) {
	n := s.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithReconnectWait(n.ReconnectWait),
		natsclient.WithName(n.ClientName),
		natsclient.WithLogger(natsclient.NewSlogLogger(s.logger)),
		natsclient.WithMetrics(s.metrics.CoreMetrics()),
		natsclient.WithHealthChangeCallback(func(healthy bool) {
			if healthy {
				s.monitor.UpdateHealthy("nats", "connected")
			} else {
				s.monitor.UpdateUnhealthy("nats", "disconnected")
			}
		}),
		natsclient.WithDisconnectCallback(func(err error) {
			s.logger.Warn("NATS disconnected; snapshots are skipped until reconnect", "error", err)
		}),
		natsclient.WithReconnectCallback(func() {
			s.logger.Info("NATS reconnected")
		}),
	}
	if n.Timeout > 0 {
		opts = append(opts, natsclient.WithTimeout(n.Timeout))
	}
	if n.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(n.PingInterval))
	}
	if n.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(n.DrainTimeout))
	}
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}

	client, err := natsclient.NewClient(n.URL(), opts...)
	if err != nil {
		return nil, errors.WrapInvalid(err, "station", "newNATSClient", "create NATS client")
	}
	return client, nil
}

// run starts every enabled component and blocks until ctx is done or one
// of them fails.
func (s *station) run(ctx context.Context, shutdownTimeout time.Duration) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("HTTP server listening", "port", s.server.Port(), "instance_id", s.instanceID)
		return s.server.Run(ctx, shutdownTimeout)
	})

	g.Go(func() error {
		s.recordStats(ctx, statsInterval)
		return nil
	})

	if s.sampler != nil {
		g.Go(func() error {
			return s.sampler.Run(ctx, s.cfg.LoadCell.Interval)
		})
	}

	if s.nats != nil {
		g.Go(func() error {
			return s.connectNATS(ctx)
		})
		g.Go(func() error {
			return s.snapshot.Run(ctx, s.cfg.Publish.Interval)
		})
	} else {
		s.logger.Info("No NATS URL configured; snapshot publishing and BTHome ingest disabled")
	}

	if s.mdns != nil {
		g.Go(func() error {
			err := s.mdns.Run(ctx, discovery.Info{
				Instance:    s.cfg.Station.Hostname,
				Port:        s.cfg.HTTP.Port,
				MetricsPath: metric.DefaultPath,
				InstanceID:  s.instanceID,
				Version:     Version,
			})
			if err != nil {
				// Advertisement is optional; keep serving without it.
				s.logger.Warn("mDNS advertisement unavailable", "error", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// connectNATS retries the initial connection with backoff until it
// succeeds, then subscribes the observation ingest. Reconnects after that
// are handled by the client.
func (s *station) connectNATS(ctx context.Context) error {
	wait := s.cfg.NATS.ReconnectWait
	if wait <= 0 {
		wait = defaultConnectWait
	}

	cfg := retry.Reconnect(wait, maxConnectWait)
	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
		s.monitor.Update("nats", health.FromError("nats", err, ""))
		s.logger.Warn("NATS connection failed, retrying", "attempt", attempt, "retry_in", next, "error", err)
	}
	if err := retry.Do(ctx, cfg, s.nats.Connect); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	subject := s.cfg.BTHome.Subject
	if err := s.nats.Subscribe(ctx, subject, s.ingestor.Handle); err != nil {
		// Export keeps working on an empty cache.
		s.logger.Warn("BTHome ingest subscription failed", "subject", subject, "error", err)
		s.monitor.Update("bthome", health.FromError("bthome", err, ""))
		return nil
	}
	s.monitor.UpdateHealthy("bthome", fmt.Sprintf("subscribed to %s", subject))
	return nil
}

// recordStats mirrors ingest counters and registry size into the self
// metrics until ctx is done.
func (s *station) recordStats(ctx context.Context, interval time.Duration) {
	core := s.metrics.CoreMetrics()
	var lastObs, lastRejected, lastEvicted uint64

	record := func() {
		obs, rejected, evicted := s.ingestor.Stats()
		core.RecordObservations("stored", obs-lastObs)
		core.RecordObservations("rejected", rejected-lastRejected)
		core.RecordObservations("evicted", evicted-lastEvicted)
		lastObs, lastRejected, lastEvicted = obs, rejected, evicted
		core.RecordRegisteredSensors(s.registry.Len())
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		record()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// close releases the publish channel.
func (s *station) close(ctx context.Context) error {
	if s.nats == nil {
		return nil
	}
	return s.nats.Close(ctx)
}
