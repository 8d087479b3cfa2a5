/*
Package metrics provides Prometheus metrics collection and exposition for
the replicated KV store.

Metrics are defined and registered with the default Prometheus registry at
package init, using github.com/prometheus/client_golang. They are exposed
over HTTP for scraping via Handler, alongside liveness/readiness/health
JSON endpoints used by orchestrators and load balancers.

# Metric Catalog

Apply pipeline:

  - rhea_apply_total (Counter): entries handed to the state machine.
  - rhea_apply_duration_seconds (HistogramVec by op_kind): batch apply latency.
  - rhea_last_applied_index / rhea_last_applied_term (Gauge): driver watermark.
  - rhea_driver_ring_buffer_depth (Gauge): depth of the FSM driver's event queue;
    sustained growth means applies are falling behind commits.

Locks and snapshots:

  - rhea_lock_acquire_total (CounterVec by result): lock attempts by outcome.
  - rhea_lock_fence_token_current (Gauge): most recently issued fencing token.
  - rhea_snapshot_save_duration_seconds / rhea_snapshot_load_duration_seconds
    (Histogram): snapshot save/load latency.

Raft:

  - rhea_raft_is_leader (Gauge): 1 if this node holds leadership, else 0.
    Set inline by the driver's event loop on each LEADER_START/LEADER_STOP.
  - rhea_raft_last_log_index / rhea_raft_peers_total (Gauge): polled
    periodically by Collector, since they change independently of applies.

# Timer helper

Timer wraps time.Now/time.Since for histogram observation:

	timer := metrics.NewTimer()
	// ... do work ...
	timer.ObserveDurationVec(metrics.ApplyDuration, kind.String())

# Health endpoints

RegisterComponent/UpdateComponent record component health under a name
("raft", "driver", "engine", ...); HealthHandler, ReadyHandler, and
LivenessHandler expose /health, /ready, and /live as JSON.

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
