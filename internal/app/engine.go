// Package app assembles the metering engine from configuration. Every binary
// (API server, billing-jobs Lambda, cron scheduler) builds the same Engine so
// repositories, services and sinks are wired one way.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"stockmeter/internal/billing"
	"stockmeter/internal/config"
	"stockmeter/internal/db"
	"stockmeter/internal/external"
	"stockmeter/internal/queue"
	"stockmeter/internal/scheduler"
	"stockmeter/internal/telemetry"
	"stockmeter/internal/types"
)

// Engine holds the wired components. Fields are exported so binaries can
// pick what they serve; nothing is mutated after Build returns.
type Engine struct {
	Config *config.Config
	Logger *slog.Logger
	Clock  types.Clock

	Pool *pgxpool.Pool

	Accounts    *db.AccountRepository
	Subs        *db.SubscriptionRepository
	Usage       *db.UsageRepository
	Snapshots   *db.SnapshotRepository
	Transitions *db.TransitionRepository
	Webhooks    *db.WebhookEventRepository
	JobLocks    *db.JobLockRepository
	JobHistory  *db.JobHistoryRepository

	Catalog       billing.TierCatalog
	Resolver      *billing.EntitlementResolver
	Meter         *billing.Meter
	Gate          *billing.FeatureGate
	Summary       *billing.UsageSummary
	Subscriptions *billing.SubscriptionService
	Generator     *billing.SnapshotGenerator

	Prices  external.PriceTable
	Metrics *telemetry.CloudWatchMetrics // nil when metrics are disabled

	Cycles *scheduler.CycleScheduler
	Runner *scheduler.Runner
}

// Build connects to the database and wires every component. The caller owns
// the returned Engine and must Close it.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		Config: cfg,
		Logger: logger,
		Clock:  types.RealClock{},
		Prices: external.PriceTable(cfg.Billing.PriceIDs()),
	}

	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:               cfg.Database.URL.Unmask(),
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	e.Pool = pool

	if cfg.IsLocal() {
		if err := db.ApplySchema(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}

	if err := e.wireRepositories(); err != nil {
		pool.Close()
		return nil, err
	}

	awsCfg, err := e.loadAWS(ctx)
	if err != nil {
		pool.Close()
		return nil, err
	}

	if err := e.wireServices(awsCfg); err != nil {
		pool.Close()
		return nil, err
	}

	e.wireScheduler()

	logger.Info("engine wired",
		"environment", cfg.Environment,
		"processor", e.processorName(),
		"metrics", e.Metrics != nil,
		"transitions_queue", cfg.AWS.TransitionsQueueURL != "",
	)
	return e, nil
}

// Close flushes buffered metrics and closes the pool.
func (e *Engine) Close(ctx context.Context) error {
	if e.Metrics != nil {
		e.Metrics.Flush(ctx)
	}
	if e.Pool != nil {
		e.Pool.Close()
	}
	return nil
}

func (e *Engine) wireRepositories() error {
	e.Accounts = db.NewAccountRepository(e.Pool)
	e.Subs = db.NewSubscriptionRepository(e.Pool, e.Logger)
	e.Usage = db.NewUsageRepository(e.Pool)
	e.Snapshots = db.NewSnapshotRepository(e.Pool)
	e.Transitions = db.NewTransitionRepository(e.Pool)
	e.JobLocks = db.NewJobLockRepository(e.Pool)
	e.JobHistory = db.NewJobHistoryRepository(e.Pool)

	webhooks, err := db.NewWebhookEventRepository(e.Pool)
	if err != nil {
		return fmt.Errorf("creating webhook event repository: %w", err)
	}
	e.Webhooks = webhooks
	return nil
}

// loadAWS returns nil in local mode so no credentials are needed.
func (e *Engine) loadAWS(ctx context.Context) (*aws.Config, error) {
	needsAWS := e.Config.AWS.TransitionsQueueURL != "" ||
		(e.Config.Observability.EnableMetrics && !e.Config.IsLocal())
	if !needsAWS {
		return nil, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(e.Config.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS SDK config: %w", err)
	}
	return &awsCfg, nil
}

func (e *Engine) wireServices(awsCfg *aws.Config) error {
	cfg := e.Config

	catalog, err := billing.NewStaticTierCatalog()
	if err != nil {
		return fmt.Errorf("building tier catalog: %w", err)
	}
	e.Catalog = catalog

	if awsCfg != nil && cfg.Observability.EnableMetrics && !cfg.IsLocal() {
		cw := cloudwatch.NewFromConfig(*awsCfg, func(o *cloudwatch.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		e.Metrics = telemetry.NewCloudWatchMetrics(cw, cfg.Observability.MetricNamespace, e.Logger)
	}

	// Transitions are persisted first; queue and metrics are best effort.
	sinks := []billing.TransitionSink{e.Transitions}
	if awsCfg != nil && cfg.AWS.TransitionsQueueURL != "" {
		sqsClient := sqs.NewFromConfig(*awsCfg, func(o *sqs.Options) {
			if cfg.AWS.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.AWS.EndpointURL)
			}
		})
		sinks = append(sinks, queue.NewTransitionPublisher(sqsClient, cfg.AWS, e.Logger))
	}
	if e.Metrics != nil {
		sinks = append(sinks, e.Metrics)
	}

	processor, checkout := e.newProcessor()

	policy := billing.Policy{
		TrialPeriod: cfg.Billing.TrialPeriod,
		GracePeriod: cfg.Billing.GracePeriod,
	}

	e.Resolver = billing.NewEntitlementResolver(e.Subs, catalog, e.Clock, policy.GracePeriod, e.Logger)
	e.Meter = billing.NewMeter(e.Usage, e.Clock, e.Logger)
	e.Gate = billing.NewFeatureGate(e.Resolver, e.Meter, catalog)
	e.Summary = billing.NewUsageSummary(e.Subs, e.Meter, e.Resolver, e.Snapshots, e.Clock, cfg.Billing.Currency)
	e.Subscriptions = billing.NewSubscriptionService(e.Subs, catalog, checkout, policy, e.Clock, e.Logger, sinks...)

	var recorder billing.SnapshotRecorder
	if e.Metrics != nil {
		recorder = e.Metrics
	}
	e.Generator = billing.NewSnapshotGenerator(
		e.Snapshots,
		e.Subs,
		e.Meter,
		e.Resolver,
		e.Transitions,
		processor,
		e.Subscriptions,
		recorder,
		e.Clock,
		billing.SnapshotConfig{
			Currency:       cfg.Billing.Currency,
			RetryAfter:     cfg.Billing.PendingRetryAfter,
			RetryBatchSize: cfg.Billing.PendingRetryBatch,
		},
		e.Logger,
	)
	return nil
}

// newProcessor returns the Stripe client, or the logging stub in local mode
// without a key.
func (e *Engine) newProcessor() (billing.InvoiceProcessor, billing.CheckoutProvider) {
	cfg := e.Config
	if cfg.IsLocal() && cfg.Billing.StripeSecretKey == "" {
		stub := external.NewStubProcessor(e.Logger)
		return stub, stub
	}

	client := external.NewStripeClient(
		&http.Client{Timeout: cfg.Billing.ProcessorTimeout},
		external.StripeClientConfig{
			SecretKey:  cfg.Billing.StripeSecretKey.Unmask(),
			BaseURL:    cfg.Billing.StripeBaseURL,
			SuccessURL: cfg.Billing.CheckoutSuccessURL,
			CancelURL:  cfg.Billing.CheckoutCancelURL,
			Prices:     e.Prices,
			Logger:     e.Logger,
		},
	)
	return client, client
}

func (e *Engine) processorName() string {
	if e.Config.IsLocal() && e.Config.Billing.StripeSecretKey == "" {
		return "stub"
	}
	return "stripe"
}

func (e *Engine) wireScheduler() {
	var observer scheduler.ScanObserver
	if e.Metrics != nil {
		observer = e.Metrics
	}
	e.Cycles = scheduler.NewCycleScheduler(
		e.Subs,
		e.Generator,
		e.Subscriptions,
		observer,
		scheduler.CycleConfig{
			BatchSize:   e.Config.Billing.ScanBatchSize,
			Concurrency: e.Config.Billing.SchedulerConcurrency,
			GracePeriod: e.Config.Billing.GracePeriod,
		},
		e.Logger,
	)
	e.Runner = scheduler.NewRunner(e.Cycles, e.JobLocks, e.JobHistory, workerID(), e.Logger)
}

// workerID identifies this process as a lock owner.
func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
