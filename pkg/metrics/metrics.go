package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Inbound
var (
	LMTPMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidings_lmtp_messages_total",
			Help: "Messages accepted over LMTP, by destination queue",
		},
		[]string{"queue"},
	)

	LMTPRecipientsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tidings_lmtp_recipients_rejected_total",
			Help: "LMTP recipients rejected because no list matched",
		},
	)

	LMTPConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tidings_lmtp_connections_current",
			Help: "Open LMTP sessions",
		},
	)

	LMTPMessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tidings_lmtp_message_size_bytes",
			Help:    "Size of messages accepted over LMTP",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)
)

// Switchboard queues
var (
	QueueOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidings_queue_operations_total",
			Help: "Switchboard operations by queue and operation (enqueue, dequeue, finish, preserve, recover)",
		},
		[]string{"queue", "operation"},
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidings_queue_depth",
			Help: "Number of .pck files waiting in each queue",
		},
		[]string{"queue"},
	)

	RunnerMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidings_runner_messages_total",
			Help: "Messages processed by runners, by result (ok, requeued, shunted, bad)",
		},
		[]string{"runner", "result"},
	)

	RunnerProcessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tidings_runner_process_duration_seconds",
			Help:    "Time spent processing one queue entry",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"runner"},
	)
)

// Moderation and pipelines
var (
	ChainDispositionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidings_chain_dispositions_total",
			Help: "Final chain that handled a message (accept, hold, reject, discard, ...)",
		},
		[]string{"chain"},
	)

	RuleHitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidings_rule_hits_total",
			Help: "Recorded rule hits",
		},
		[]string{"rule"},
	)

	PipelineDiscardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidings_pipeline_discards_total",
			Help: "Messages dropped by a pipeline handler",
		},
		[]string{"pipeline", "handler", "kind"},
	)
)

// Membership and pending confirmations
var (
	PendingOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidings_pending_operations_total",
			Help: "Pending registry operations (add, confirm, evict)",
		},
		[]string{"operation"},
	)

	PendingEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tidings_pending_entries",
			Help: "Pendables currently stored",
		},
	)

	WorkflowStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidings_workflow_steps_total",
			Help: "Workflow steps executed",
		},
		[]string{"workflow", "step"},
	)

	MembersTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tidings_members_total",
			Help: "Roster entries across all lists",
		},
	)

	HeldMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tidings_held_messages",
			Help: "Posts awaiting a moderator decision",
		},
	)

	ModerationDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidings_moderation_decisions_total",
			Help: "Moderator decisions on held messages",
		},
		[]string{"action"},
	)
)

// Outbound
var (
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidings_deliveries_total",
			Help: "SMTP delivery attempts by result (success, temporary, permanent)",
		},
		[]string{"result"},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tidings_delivery_duration_seconds",
			Help:    "Time spent on one SMTP transaction",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	ArchiveOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidings_archive_operations_total",
			Help: "Archiver writes by backend and status",
		},
		[]string{"backend", "status"},
	)

	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidings_db_queries_total",
			Help: "Named database queries executed",
		},
		[]string{"query", "status"},
	)
)

// Component health
var (
	ComponentHealthChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tidings_component_health_checks_total",
			Help: "Health checks performed by component and resulting status",
		},
		[]string{"component", "status"},
	)

	ComponentHealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tidings_component_health_status",
			Help: "Component health (0=unreachable, 1=unhealthy, 2=degraded, 3=healthy)",
		},
		[]string{"component"},
	)

	ComponentHealthCheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tidings_component_health_check_duration_seconds",
			Help:    "Time spent running one health check",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"component"},
	)
)
