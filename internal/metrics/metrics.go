package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	StoreKeys = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvsd_store_keys",
			Help: "Pairs currently held in the store.",
		},
	)

	StaleVersionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvsd_stale_versions_total",
			Help: "Remote pairs dropped for carrying an old or tied version.",
		},
	)

	RoutesAnnouncedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvsd_routes_announced_total",
			Help: "Routes handed to the BGP daemon for announcement.",
		},
	)

	RoutesWithdrawnTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvsd_routes_withdrawn_total",
			Help: "Routes handed to the BGP daemon for withdrawal.",
		},
	)

	UpdatesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvsd_updates_received_total",
			Help: "Inbound route updates by action.",
		},
		[]string{"action"},
	)

	UpdatesIgnoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvsd_updates_ignored_total",
			Help: "Inbound updates dropped before assembly.",
		},
		[]string{"reason"},
	)

	DecodeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvsd_decode_errors_total",
			Help: "Completed assemblies that failed to decode.",
		},
		[]string{"reason"},
	)

	AssembliesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvsd_assemblies_active",
			Help: "In-progress route assemblies.",
		},
	)

	AssembliesExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvsd_assemblies_expired_total",
			Help: "Incomplete assemblies discarded by GC.",
		},
	)

	PairsCommittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvsd_pairs_committed_total",
			Help: "Fully reassembled pairs offered to the store.",
		},
	)

	PeerSessionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kvsd_peer_session_state",
			Help: "BGP control session state (0=disconnected, 1=connecting, 2=established).",
		},
	)

	PeerCommandsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kvsd_peer_commands_dropped_total",
			Help: "Outbound commands dropped on queue backpressure; replayed from the mirror on reconnect.",
		},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvsd_http_requests_total",
			Help: "HTTP CRUD requests by operation and status.",
		},
		[]string{"op", "status"},
	)

	PersistOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvsd_persist_ops_total",
			Help: "Snapshot rows written or deleted.",
		},
		[]string{"op"},
	)

	PersistWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kvsd_persist_write_duration_seconds",
			Help:    "Snapshot batch write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvsd_events_published_total",
			Help: "Change events published to Kafka by outcome.",
		},
		[]string{"outcome"},
	)
)

func Register() {
	prometheus.MustRegister(
		StoreKeys,
		StaleVersionsTotal,
		RoutesAnnouncedTotal,
		RoutesWithdrawnTotal,
		UpdatesReceivedTotal,
		UpdatesIgnoredTotal,
		DecodeErrorsTotal,
		AssembliesActive,
		AssembliesExpiredTotal,
		PairsCommittedTotal,
		PeerSessionState,
		PeerCommandsDroppedTotal,
		HTTPRequestsTotal,
		PersistOpsTotal,
		PersistWriteDuration,
		EventsPublishedTotal,
	)
}
