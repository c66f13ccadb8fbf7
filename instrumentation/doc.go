// Package instrumentation provides OpenTelemetry instrumentation for the
// credential broker and the progress sync client.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "coursesync-broker",
//		ServiceVersion:  version,
//		Enabled:         true,
//		MetricsExporter: instrumentation.ExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	router.Handle("/metrics", inst.MetricsHandler())
//
// # Scopes
//
// Meters and tracers are named per layer: "http", "broker", "security",
// "storage", "provider", "progress" and "session".
//
// # Metrics
//
// Broker:
//   - coursesync.http.requests.total, coursesync.http.request.duration
//   - coursesync.code.exchanged (result: success, failure, cached, shared)
//   - coursesync.token.validated, coursesync.token.revoked, coursesync.token.revoked_rejected
//   - coursesync.rate_limit.exceeded, coursesync.audit.events.total
//   - storage.operation.total, storage.operation.duration
//   - storage.revocations.count, storage.exchanges.count (gauges)
//   - provider.api.calls.total, provider.api.duration, provider.api.errors.total
//
// Client:
//   - coursesync.progress.writes, coursesync.progress.conflicts, coursesync.progress.cache_hits
//   - coursesync.session.transitions
//   - coursesync.encryption.operations.total
//
// # Privacy
//
// Spans never carry access tokens, authorization codes or state values.
// Client IPs are attached only when Config.LogClientIPs is set.
package instrumentation
