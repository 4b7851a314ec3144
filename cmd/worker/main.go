// Command worker runs the CaseWatch background jobs: the scheduled
// escalation sweep and the Kafka alert consumer. It exposes gRPC health
// checking and an HTTP endpoint for probes and metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/casewatch/internal/application/escalation"
	"github.com/turtacn/casewatch/internal/application/triage"
	"github.com/turtacn/casewatch/internal/bootstrap"
	"github.com/turtacn/casewatch/internal/config"
	domain "github.com/turtacn/casewatch/internal/domain/casework"
	"github.com/turtacn/casewatch/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/casewatch/internal/infrastructure/monitoring/prometheus"
	grpcserver "github.com/turtacn/casewatch/internal/interfaces/grpc"
	httpserver "github.com/turtacn/casewatch/internal/interfaces/http"
	"github.com/turtacn/casewatch/internal/interfaces/http/handlers"
	"github.com/turtacn/casewatch/pkg/errors"
)

const (
	healthSweep  = "casewatch.sweep"
	healthTriage = "casewatch.triage"

	topicSetupTimeout = 30 * time.Second
	shutdownDeadline  = 30 * time.Second
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to configuration file (default: environment only)")
	httpPort := flag.Int("http-port", 0, "probe and metrics port (overrides server.http.port)")
	noSweep := flag.Bool("no-sweep", false, "do not run the escalation scheduler")
	noConsumer := flag.Bool("no-consumer", false, "do not consume alerts from kafka")
	flag.Parse()

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *httpPort > 0 {
		cfg.Server.HTTP.Port = *httpPort
	}

	logger, err := logging.NewLogger(logging.LogConfig{
		Level:       cfg.Monitoring.Log.Level,
		Format:      cfg.Monitoring.Log.Format,
		OutputPaths: cfg.Monitoring.Log.OutputPaths,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logging.SetDefault(logger)

	w := &worker{
		cfg:        cfg,
		configPath: *configPath,
		logger:     logger,
		sweepOn:    cfg.Escalation.Enabled && !*noSweep,
		consumeOn:  cfg.Messaging.Kafka.Enabled && !*noConsumer,
	}
	if err := w.run(); err != nil {
		logger.Error("Worker exited with error", logging.Err(err))
		os.Exit(1)
	}
}

type worker struct {
	cfg        *config.Config
	configPath string
	logger     logging.Logger
	sweepOn    bool
	consumeOn  bool

	infra  *bootstrap.Infra
	health *grpcserver.Server
}

func (w *worker) run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w.logger.Info("Starting CaseWatch worker",
		logging.String("version", version),
		logging.Bool("sweep", w.sweepOn),
		logging.Bool("consumer", w.consumeOn))

	infra, err := bootstrap.Open(ctx, w.cfg, w.logger, bootstrap.Options{
		Postgres: true,
		Redis:    true,
		Kafka:    true,
		MinIO:    w.cfg.Escalation.ArchiveReports,
		Source:   "casewatch-worker",
	})
	if err != nil {
		return err
	}
	defer infra.Close()
	w.infra = infra

	var metricsCollector prometheus.MetricsCollector
	if w.cfg.Monitoring.Metrics.Enabled {
		metricsCollector, err = prometheus.NewMetricsCollector(prometheus.CollectorConfigFrom(w.cfg.Monitoring.Metrics, "worker"), w.logger)
		if err != nil {
			return err
		}
		infra.Metrics = prometheus.NewAppMetrics(metricsCollector)
	}

	repos, err := infra.Repositories()
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if w.cfg.Server.GRPC.Enabled {
		var components []string
		if w.sweepOn {
			components = append(components, healthSweep)
		}
		if w.consumeOn {
			components = append(components, healthTriage)
		}
		w.health, err = grpcserver.NewServer(&w.cfg.Server.GRPC,
			grpcserver.WithLogger(w.logger.Named("grpc")),
			grpcserver.WithMetrics(infra.Metrics),
			grpcserver.WithComponents(components...))
		if err != nil {
			return err
		}
		g.Go(w.health.Start)
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
			defer cancel()
			return w.health.Stop(sctx)
		})
	}

	routerCfg := httpserver.RouterConfig{
		HealthHandler: handlers.NewHealthHandler(version, handlers.CheckFuncs(infra.HealthChecks())...),
		Logger:        w.logger.Named("http"),
		Metrics:       infra.Metrics,
	}
	if metricsCollector != nil {
		routerCfg.MetricsHandler = metricsCollector.Handler()
	}
	probe := httpserver.NewServer(w.cfg.Server.HTTP, httpserver.NewRouter(routerCfg), w.logger)
	g.Go(probe.Start)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
		defer cancel()
		return probe.Stop(sctx)
	})

	var (
		scheduler *escalation.Scheduler
		sweep     *escalation.Sweep
	)
	if w.sweepOn {
		sweep, err = infra.Sweep(repos, false)
		if err != nil {
			return err
		}
		scheduler = escalation.NewScheduler(sweep, w.cfg.Escalation.Interval, w.cfg.Escalation.RunTimeout, w.logger.Named("scheduler"))
		scheduler.OnRun(func(_ *escalation.Result, err error) {
			// Another replica holding the run-lock is not a fault.
			w.setServing(healthSweep, err == nil || errors.IsCode(err, errors.ErrCodeSweepAlreadyRunning))
		})
		g.Go(func() error { return scheduler.Run(gctx) })
	}

	if w.consumeOn {
		engine := infra.TriageEngine(repos)
		consumer, err := w.alertConsumer(gctx, engine)
		if err != nil {
			return err
		}
		g.Go(func() error {
			err := consumer.Run(gctx)
			if err != nil {
				w.setServing(healthTriage, false)
			}
			return err
		})
	}

	if w.configPath != "" {
		config.Watch(w.configPath, func(c *config.Config) {
			if scheduler != nil {
				scheduler.Reconfigure(c.Escalation, sweep)
			}
			w.logger.Info("Configuration reloaded",
				logging.Duration("sweep_interval", c.Escalation.Interval),
				logging.Int("max_batch_size", c.Escalation.MaxBatchSize))
		}, func(err error) {
			w.logger.Warn("Ignoring invalid configuration change", logging.Err(err))
		})
	}

	err = g.Wait()
	w.logger.Info("Worker stopped")
	return err
}

// alertConsumer provisions the topics and subscribes the triage engine to
// the alert ingest topic.
func (w *worker) alertConsumer(ctx context.Context, engine *triage.Engine) (*kafka.Consumer, error) {
	kcfg := w.cfg.Messaging.Kafka
	w.ensureTopics(ctx, kcfg)

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfigFrom(kcfg, kcfg.AlertTopic), w.logger.Named("consumer"))
	if err != nil {
		return nil, err
	}
	log := w.logger.Named("alerts")
	consumer.Subscribe(kcfg.AlertTopic, kafka.AlertHandler(func(ctx context.Context, a *domain.Alert) error {
		start := time.Now()
		out, err := engine.Ingest(ctx, a)
		w.infra.Metrics.RecordMessage(kcfg.AlertTopic, err, time.Since(start))
		if err != nil {
			return err
		}
		log.Debug("Alert triaged",
			logging.Tenant(a.TenantID),
			logging.String("alert_id", a.ID),
			logging.String("action", string(out.Action)))
		return nil
	}))
	return consumer, nil
}

func (w *worker) ensureTopics(ctx context.Context, kcfg config.KafkaConfig) {
	ctx, cancel := context.WithTimeout(ctx, topicSetupTimeout)
	defer cancel()

	tm, err := kafka.NewTopicManager(kcfg.Brokers, w.logger)
	if err != nil {
		w.logger.Warn("Topic setup skipped", logging.Err(err))
		return
	}
	defer tm.Close()
	if err := tm.EnsureTopics(ctx, kafka.DefaultTopics(kcfg)); err != nil {
		w.logger.Warn("Topic setup incomplete", logging.Err(err))
	}
}

func (w *worker) setServing(component string, serving bool) {
	if w.health != nil {
		w.health.SetServing(component, serving)
	}
}
