/*
Package metrics provides sink's Prometheus metrics and HTTP health endpoints.

Entity counts and the revision clock are sampled periodically by Collector,
the only code in this module that sets metric values; the pipeline, query,
synchronizer, and listener counters/histograms declared in metrics.go are
registered and exported but no package updates them. Handler exposes the registry over /metrics; HealthHandler,
ReadyHandler, and LivenessHandler back /health, /ready, and /live.

# Readiness

GetReadiness treats "entitystore", "pipeline", and "listener" as critical:
until all three have been registered healthy via RegisterComponent, /ready
reports not_ready even if the process is alive (/live always reports alive).
*/
package metrics
