// Package metrics defines the Prometheus collectors of the cache.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Keys for cache metrics.
const (
	SyncBatchesTotalKey            = "mxcache_sync_batches_total"
	RoomsProjectedTotalKey         = "mxcache_rooms_projected_total"
	MessagesPrunedTotalKey         = "mxcache_messages_pruned_total"
	ReceiptsNotifiedTotalKey       = "mxcache_receipts_notified_total"
	SessionsRestoredTotalKey       = "mxcache_sessions_restored_total"
	SessionRestoreFailuresTotalKey = "mxcache_session_restore_failures_total"
	StoreResetsTotalKey            = "mxcache_store_resets_total"
)

// Collectors for cache metrics.
var (
	SyncBatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: SyncBatchesTotalKey,
		Help: "Cumulative number of sync responses committed to the cache.",
	})
	RoomsProjectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: RoomsProjectedTotalKey,
		Help: "Cumulative number of room projections written, by membership.",
	}, []string{"membership"})
	MessagesPrunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: MessagesPrunedTotalKey,
		Help: "Cumulative number of timeline entries removed by retention.",
	})
	ReceiptsNotifiedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: ReceiptsNotifiedTotalKey,
		Help: "Cumulative number of pending receipts confirmed as read.",
	})
	SessionsRestoredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: SessionsRestoredTotalKey,
		Help: "Cumulative number of encryption sessions restored from disk, by kind.",
	}, []string{"kind"})
	SessionRestoreFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: SessionRestoreFailuresTotalKey,
		Help: "Cumulative number of persisted sessions skipped because they could not be restored.",
	})
	StoreResetsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: StoreResetsTotalKey,
		Help: "Cumulative number of destructive store resets.",
	})
)

// Collectors returns every cache collector.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		SyncBatchesTotal,
		RoomsProjectedTotal,
		MessagesPrunedTotal,
		ReceiptsNotifiedTotal,
		SessionsRestoredTotal,
		SessionRestoreFailuresTotal,
		StoreResetsTotal,
	}
}

// Register registers the cache collectors with reg.
func Register(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
