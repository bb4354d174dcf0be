// Package metrics exposes Prometheus instrumentation for the replication
// engine. It mirrors the label/bucket conventions of lol's ambient stack but
// is scoped to what the engine itself can observe; emission (scraping,
// dashboards) is left to the embedding application, per spec.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lol_raft_is_leader",
		Help: "Whether this node is the Raft leader (1 = leader, 0 = not)",
	})

	CurrentTerm = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lol_raft_current_term",
		Help: "Current election term",
	})

	LastLogIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lol_raft_last_log_index",
		Help: "Highest index present in the command log",
	})

	CommitIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lol_raft_commit_index",
		Help: "Highest index known replicated on a quorum",
	})

	AppliedIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lol_raft_applied_index",
		Help: "Highest index applied to the App (user_pointer)",
	})

	SnapshotIndex = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lol_raft_snapshot_index",
		Help: "Highest index covered by an installed snapshot",
	})

	PeerMatchIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lol_raft_peer_match_index",
		Help: "Per-peer match_index as tracked by the leader",
	}, []string{"peer"})

	PeerNextIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lol_raft_peer_next_index",
		Help: "Per-peer next_index as tracked by the leader",
	}, []string{"peer"})

	ReplicationRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lol_raft_replication_rejected_total",
		Help: "Total AppendEntries rejections observed per peer",
	}, []string{"peer"})

	WriteDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lol_raft_write_duration_seconds",
		Help:    "Time from Write() call to completion fulfillment",
		Buckets: prometheus.DefBuckets,
	})

	ReadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lol_raft_read_duration_seconds",
		Help:    "Time from Read() call to completion fulfillment",
		Buckets: prometheus.DefBuckets,
	})

	DedupHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lol_raft_dedup_hits_total",
		Help: "Total writes answered by request_id from an existing completion or a cached response",
	})
)

func init() {
	prometheus.MustRegister(
		IsLeader,
		CurrentTerm,
		LastLogIndex,
		CommitIndex,
		AppliedIndex,
		SnapshotIndex,
		PeerMatchIndex,
		PeerNextIndex,
		ReplicationRejectedTotal,
		WriteDuration,
		ReadDuration,
		DedupHitsTotal,
	)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
