// Package telemetry provides OpenTelemetry instrumentation for pretestd.
//
// Traces and metrics are exported over OTLP (gRPC by default, or
// http/protobuf) when enabled. When disabled, or when a provider fails to
// initialise, the global no-op providers stay in place and integration runs
// are unaffected.
//
//	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Tests use NewTestTelemetry, which records spans in memory:
//
//	tt := telemetry.NewTestTelemetry()
//	defer tt.Install()()
//	...
//	tt.AssertSpanExists(t, "integration.prepare")
package telemetry
