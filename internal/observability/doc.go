// Package observability sets up logging, metrics and tracing for the router.
//
// Logging is zap based. Metrics and traces are exported over OTLP/HTTP when
// an endpoint is configured and fall back to no-op providers otherwise.
package observability
