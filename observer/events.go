package observer

import (
	"context"
	"sync"
	"time"

	conductor "github.com/nevindra/conductor"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// NewEventHandler returns a conductor.EventHandler that turns pipeline
// progress events into metrics: task executions with durations, and
// response cache hits. Register it on the pipeline or client via
// PipelineEvents / WithEvents.
//
// Tool calls are not counted here; wrap tools with WrapTool instead so
// each execution is measured once, with its duration.
func NewEventHandler(inst *Instruments) conductor.EventHandler {
	r := &eventRecorder{inst: inst, starts: make(map[string]time.Time)}
	return r.handle
}

// eventRecorder tracks task start times so finish events can carry a
// duration. Handlers run synchronously on the emitting goroutine, so the
// map is guarded for parallel task layers.
type eventRecorder struct {
	inst *Instruments

	mu     sync.Mutex
	starts map[string]time.Time
}

func (r *eventRecorder) handle(ev conductor.Event) {
	ctx := context.Background()
	switch ev.Type {
	case conductor.EventTaskStart:
		r.mu.Lock()
		r.starts[ev.TaskID] = time.Now()
		r.mu.Unlock()

	case conductor.EventTaskFinish:
		r.mu.Lock()
		start, ok := r.starts[ev.TaskID]
		delete(r.starts, ev.TaskID)
		r.mu.Unlock()

		status := "ok"
		if ev.Err != "" {
			status = "error"
		}
		r.inst.TaskExecutions.Add(ctx, 1, metric.WithAttributes(
			AttrTaskID.String(ev.TaskID),
			AttrTaskAgent.String(ev.Name),
			attribute.String("status", status),
		))
		if ok {
			r.inst.TaskDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
				AttrTaskAgent.String(ev.Name),
			))
		}

	case conductor.EventCacheHit:
		r.inst.CacheHits.Add(ctx, 1)
	}
}
