// Package telemetry publishes engine metrics to AWS CloudWatch.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"stockmeter/internal/types"
)

// maxDatumsPerPut is the PutMetricData batch limit.
const maxDatumsPerPut = 1000

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics buffers metric datums and publishes them in batches.
//
// Metrics emitted:
//   - APIRequestCount, APILatency: Dims {Endpoint, Method, Status}
//   - SnapshotCreated / SnapshotFailed / SnapshotPending: Dims {Tier}
//   - InvoicedAmountCents: Dims {Tier}
//   - SubscriptionTransition: Dims {Trigger, ToState}
//   - SchedulerScanDuration: no dims
//   - WebhookReceived: Dims {EventType, Status}
//
// Call Start to flush periodically, or Flush directly (Lambda handlers flush
// before returning).
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to namespace.
// An empty namespace uses types.MetricNamespace.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordRequest records API request count and latency. Implements
// core.MetricsCollector.
func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	dims := []cwtypes.Dimension{
		dim(types.DimEndpoint, endpoint),
		dim(types.DimMethod, method),
		dim(types.DimStatus, status),
	}
	m.add(
		datum(types.MetricAPIRequestCount, 1, cwtypes.StandardUnitCount, dims...),
		datum(types.MetricAPILatency, float64(duration.Milliseconds()), cwtypes.StandardUnitMilliseconds, dims...),
	)
}

// RecordSnapshot records a snapshot outcome. Implements
// billing.SnapshotRecorder.
func (m *CloudWatchMetrics) RecordSnapshot(_ context.Context, snap types.BillingSnapshot) {
	tier := dim(types.DimTier, string(snap.Tier))
	switch snap.Status {
	case types.SnapshotPending:
		m.add(datum(types.MetricSnapshotPending, 1, cwtypes.StandardUnitCount, tier))
	case types.SnapshotFailed:
		m.add(datum(types.MetricSnapshotFailed, 1, cwtypes.StandardUnitCount, tier))
	case types.SnapshotInvoiced:
		cents := snap.Amount.Shift(2).Round(0).IntPart()
		m.add(
			datum(types.MetricSnapshotCreated, 1, cwtypes.StandardUnitCount, tier),
			datum(types.MetricInvoicedAmount, float64(cents), cwtypes.StandardUnitCount, tier),
		)
	}
}

// RecordTransition records a subscription state change. Implements
// billing.TransitionSink; it never fails.
func (m *CloudWatchMetrics) RecordTransition(_ context.Context, rec types.TransitionRecord) error {
	m.add(datum(types.MetricStateTransition, 1, cwtypes.StandardUnitCount,
		dim(types.DimTrigger, string(rec.Trigger)),
		dim(types.DimToState, string(rec.To)),
	))
	return nil
}

// ObserveScan records billing scan duration. Implements
// scheduler.ScanObserver.
func (m *CloudWatchMetrics) ObserveScan(_ context.Context, elapsed time.Duration, _, _ int) {
	m.add(datum(types.MetricSchedulerScanTime, float64(elapsed.Milliseconds()), cwtypes.StandardUnitMilliseconds))
}

// RecordWebhook records an inbound processor webhook and how it was handled.
func (m *CloudWatchMetrics) RecordWebhook(_ context.Context, eventType, status string) {
	m.add(datum(types.MetricWebhookReceived, 1, cwtypes.StandardUnitCount,
		dim(types.DimEvent, eventType),
		dim(types.DimStatus, status),
	))
}

// Flush publishes every buffered datum. Errors are logged; the datums are
// dropped.
func (m *CloudWatchMetrics) Flush(ctx context.Context) {
	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	for len(batch) > 0 {
		n := min(len(batch), maxDatumsPerPut)
		input := &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(m.namespace),
			MetricData: batch[:n],
		}
		if _, err := m.client.PutMetricData(ctx, input); err != nil {
			m.logger.ErrorContext(ctx, "failed to publish metrics",
				"error", err,
				"datums", n,
			)
		}
		batch = batch[n:]
	}
}

// Start flushes every interval until ctx is done, then flushes once more
// with a short detached deadline.
func (m *CloudWatchMetrics) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			m.Flush(flushCtx)
			cancel()
			return
		}
	}
}

func (m *CloudWatchMetrics) add(d ...cwtypes.MetricDatum) {
	now := time.Now().UTC()
	for i := range d {
		d[i].Timestamp = aws.Time(now)
	}
	m.mu.Lock()
	m.pending = append(m.pending, d...)
	m.mu.Unlock()
}

func datum(name string, value float64, unit cwtypes.StandardUnit, dims ...cwtypes.Dimension) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Dimensions: dims,
	}
}

func dim(name, value string) cwtypes.Dimension {
	return cwtypes.Dimension{Name: aws.String(name), Value: aws.String(value)}
}
