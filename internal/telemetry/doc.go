// Package telemetry wires the OpenTelemetry trace and meter providers.
//
// The engine opens one span per job run and one per phase; the Temporal
// worker reports through the meter provider. Prometheus metrics are
// registered separately by each package.
//
//	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry, version), logger)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Export failures never stop the service; the instance reports itself as
// degraded instead.
package telemetry
