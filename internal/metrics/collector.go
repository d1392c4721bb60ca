package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dohr-michael/oxide/internal/events"
	"github.com/dohr-michael/oxide/internal/memory"
)

// Subscribe feeds the lifecycle counters from bus. It returns the
// unsubscribe function.
func Subscribe(bus *events.Bus) func() {
	if bus == nil {
		return func() {}
	}
	return bus.Subscribe(Record)
}

// Record updates the collectors for a single event.
func Record(e events.Event) {
	switch e.Type {
	case events.EventTaskCreated:
		TasksCreated.Inc()
	case events.EventTaskStateChanged:
		if p, ok := events.ExtractPayload[events.TaskStateChangedPayload](e); ok {
			TaskTransitions.WithLabelValues(p.From, p.To).Inc()
		}
	case events.EventTaskEvicted:
		if p, ok := events.ExtractPayload[events.TaskEvictedPayload](e); ok {
			TasksEvicted.WithLabelValues(p.State).Inc()
		}
	case events.EventBufferCreated:
		BuffersCreated.Inc()
	case events.EventBufferDestroyed:
		BuffersDestroyed.Inc()
		if p, ok := events.ExtractPayload[events.BufferDestroyedPayload](e); ok {
			PagesDropped.Add(float64(p.PagesDropped))
		}
	case events.EventMemoryExhausted:
		if p, ok := events.ExtractPayload[events.MemoryExhaustedPayload](e); ok {
			MemoryExhausted.WithLabelValues(p.Pool).Inc()
		}
	}
}

// ObserveMemory copies pool totals into the pool gauges.
func ObserveMemory(info memory.MemoryInfo) {
	for id, p := range info.Pools {
		pool := string(id)
		PoolReservedBytes.WithLabelValues(pool).Set(float64(p.ReservedBytes))
		PoolRevocableBytes.WithLabelValues(pool).Set(float64(p.ReservedRevocableBytes))
		PoolMaxBytes.WithLabelValues(pool).Set(float64(p.MaxBytes))
		advised := 0.0
		if p.SpillAdvised {
			advised = 1
		}
		SpillAdvised.WithLabelValues(pool).Set(advised)
	}
}

// Handler serves the default registry, refreshing memory gauges from acct
// on every scrape. acct may be nil.
func Handler(acct *memory.Accountant) http.Handler {
	h := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if acct != nil {
			ObserveMemory(acct.Info())
		}
		h.ServeHTTP(w, r)
	})
}
