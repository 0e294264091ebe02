package types

// CloudWatch metric names and dimensions emitted by the engine.
const (
	MetricNamespace = "StockMeter"

	MetricAPILatency        = "APILatency"
	MetricAPIRequestCount   = "APIRequestCount"
	MetricSnapshotCreated   = "SnapshotCreated"
	MetricSnapshotFailed    = "SnapshotFailed"
	MetricSnapshotPending   = "SnapshotPending"
	MetricInvoicedAmount    = "InvoicedAmountCents"
	MetricStateTransition   = "SubscriptionTransition"
	MetricSchedulerScanTime = "SchedulerScanDuration"
	MetricWebhookReceived   = "WebhookReceived"

	DimEndpoint = "Endpoint"
	DimMethod   = "Method"
	DimStatus   = "Status"
	DimTier     = "Tier"
	DimTrigger  = "Trigger"
	DimToState  = "ToState"
	DimEvent    = "EventType"
)
