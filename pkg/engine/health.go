package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/loupe-obs/loupe/pkg/breaker"
	"github.com/loupe-obs/loupe/pkg/cache"
	"github.com/loupe-obs/loupe/pkg/events"
	"github.com/loupe-obs/loupe/pkg/pool"
)

// Health statuses.
const (
	StatusHealthy    = "healthy"
	StatusRecovering = "recovering"
	StatusDegraded   = "degraded"
)

// ComponentHealth is one component's contribution to overall health.
type ComponentHealth struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Health is a point-in-time snapshot of the whole engine.
type Health struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Usage      pool.Usage                 `json:"usage"`
	Cache      cache.Stats                `json:"cache"`
}

// Health inspects breakers, pools and backends. Any open circuit or
// unreachable backend degrades the overall status; half-open circuits
// report recovering.
func (e *Engine) Health(ctx context.Context) Health {
	h := Health{
		Status:     StatusHealthy,
		Components: make(map[string]ComponentHealth),
		Usage:      e.manager.Usage(),
		Cache:      e.cache.Stats(),
	}

	for name, br := range e.breakers {
		c := ComponentHealth{Status: StatusHealthy}
		switch br.State() {
		case breaker.StateOpen:
			c = ComponentHealth{Status: StatusDegraded, Detail: "circuit open"}
		case breaker.StateHalfOpen:
			c = ComponentHealth{Status: StatusRecovering, Detail: "circuit half-open"}
		}
		h.Components["breaker:"+name] = c
	}

	for tier, backend := range e.backends {
		name := string(tier)

		stats, err := e.manager.PoolStats(name)
		if err == nil {
			h.Components["pool:"+name] = ComponentHealth{
				Status: StatusHealthy,
				Detail: fmt.Sprintf("idle=%d active=%d waiting=%d", stats.Idle, stats.Active, stats.Waiting),
			}
		}

		statCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		bstats, err := backend.Stats(statCtx)
		cancel()
		if err != nil {
			h.Components["storage:"+name] = ComponentHealth{Status: StatusDegraded, Detail: err.Error()}
			continue
		}
		h.Components["storage:"+name] = ComponentHealth{
			Status: StatusHealthy,
			Detail: fmt.Sprintf("entries=%d sources=%d", bstats.TotalEntries, bstats.TotalSources),
		}
	}

	for _, c := range h.Components {
		switch c.Status {
		case StatusDegraded:
			h.Status = StatusDegraded
		case StatusRecovering:
			if h.Status == StatusHealthy {
				h.Status = StatusRecovering
			}
		}
	}
	return h
}

// healthLoop publishes a degraded event on each healthy-to-degraded
// transition.
func (e *Engine) healthLoop() {
	ticker := e.clock.NewTicker(e.cfg.HealthInterval)
	defer ticker.Stop()

	wasDegraded := false
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.Chan():
			h := e.Health(context.Background())
			degraded := h.Status == StatusDegraded
			if degraded && !wasDegraded {
				component, reason := firstDegraded(h)
				e.logger.Warn("engine degraded", "component", component, "reason", reason)
				e.bus.Publish(events.Event{
					Topic:  events.TopicHealthDegraded,
					Health: &events.HealthPayload{Component: component, Reason: reason},
				})
			}
			wasDegraded = degraded
		}
	}
}

func firstDegraded(h Health) (string, string) {
	for name, c := range h.Components {
		if c.Status == StatusDegraded {
			return name, c.Detail
		}
	}
	return "", ""
}
