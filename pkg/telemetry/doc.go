// Package telemetry provides observability for polemarch: structured logging
// with zerolog, OpenTelemetry tracing, Prometheus metrics and an in-process
// event publisher for lifecycle events.
//
// Initialize telemetry at startup and hand the instance to the engine
// components:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	tel.Logger.Install()
//
// Every helper on *Telemetry tolerates a nil receiver, so components accept an
// optional instance and tests pass nil.
//
// # Metrics
//
// Metrics are registered on a private registry and served by
// StartMetricsServer:
//
//	polemarch_executions_started_total{kind,initiator_type}
//	polemarch_executions_finished_total{kind,status}
//	polemarch_execution_duration_seconds{kind,status}
//	polemarch_active_executions
//	polemarch_history_lines_total
//	polemarch_syncs_total{backend,status}
//	polemarch_sync_duration_seconds{backend}
//	polemarch_cancellations_total{outcome}
//	polemarch_schedule_triggers_total{type,result}
//	polemarch_admission_denials_total{kind}
//	polemarch_errors_by_class_total{class}
//	polemarch_errors_by_code_total{code}
//
// # Events
//
// The EventPublisher implements engine.EventSink. Subscribers are called in
// publish order on the delivering goroutine:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.HistoryID)
//	}, telemetry.FilterByType(telemetry.EventTypeExecutionFinished))
package telemetry
