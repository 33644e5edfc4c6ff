// Package metrics instruments the gateway with Prometheus collectors
// covering worker liveness, the task pipeline, and credential lookups.
package metrics
