// Package observability provides the zap logger factory and the Prometheus
// metrics of the change request engine.
package observability
