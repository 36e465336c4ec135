package telemetry_test

import (
	"context"
	"fmt"

	"github.com/openfroyo/polemarch/pkg/telemetry"
)

// Example_events demonstrates subscribing to execution lifecycle events.
func Example_events() {
	events, _ := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	defer events.Shutdown(context.Background())

	events.Subscribe(func(e telemetry.Event) {
		fmt.Println(e.Type, e.HistoryID, e.Data["status"])
	}, telemetry.FilterByType(telemetry.EventTypeExecutionFinished))

	ctx := context.Background()
	events.Emit(ctx, telemetry.EventTypeExecutionStarted, map[string]interface{}{"history_id": int64(7)})
	events.Emit(ctx, telemetry.EventTypeExecutionFinished, map[string]interface{}{
		"history_id": int64(7),
		"status":     "OK",
	})
	// Output: execution.finished 7 OK
}

// Example_nilTelemetry shows that components can run without telemetry.
func Example_nilTelemetry() {
	var tel *telemetry.Telemetry

	ctx, span := tel.StartSpan(context.Background(), "execution.playbook")
	defer span.End()
	tel.Meter().RecordExecutionStarted("playbook", "user")
	tel.Emit(ctx, telemetry.EventTypeExecutionStarted, nil)

	fmt.Println(span.SpanContext().IsValid())
	// Output: false
}
