package agent

import (
	"log/slog"

	"github.com/finchbot/finch/pkg/models"
)

// Observer receives structured runtime events. Implementations must be
// cheap and non-blocking; the engine calls them inline.
type Observer interface {
	Observe(event models.Event)
}

// SlogObserver logs every event through a slog.Logger.
type SlogObserver struct {
	Logger *slog.Logger
}

func (o SlogObserver) Observe(event models.Event) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch event.Kind {
	case models.EventError:
		logger.Error("runtime event", "kind", event.Kind, "detail", event.Detail)
	case models.EventConfigDegraded:
		logger.Warn("runtime event", "kind", event.Kind, "detail", event.Detail)
	default:
		logger.Debug("runtime event",
			"kind", event.Kind,
			"tool", event.ToolName,
			"call_id", event.CallID,
			"success", event.Success,
			"duration", event.Duration)
	}
}

// MultiObserver fans one event out to several sinks.
type MultiObserver []Observer

func (m MultiObserver) Observe(event models.Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(event)
		}
	}
}

// NopObserver drops every event.
type NopObserver struct{}

func (NopObserver) Observe(models.Event) {}
