package events

import (
	"context"
	"log/slog"
)

// ConfigReloader re-fetches the proxy configuration from the backend
// and applies it, restarting the DICOM listener when needed.
type ConfigReloader interface {
	ReloadConfiguration(ctx context.Context) error
}

// ConfigHandler reacts to backend-side configuration changes.
type ConfigHandler struct {
	reloader ConfigReloader
	logger   *slog.Logger
}

// NewConfigHandler creates the configuration event handler.
func NewConfigHandler(reloader ConfigReloader, logger *slog.Logger) *ConfigHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigHandler{reloader: reloader, logger: logger}
}

// RegisterOn binds the handler's event types to the router. All three
// event types trigger the same full reload.
func (h *ConfigHandler) RegisterOn(router *Router) {
	router.Register("proxy.config_changed", h.HandleConfigChanged)
	router.Register("proxy.nodes_changed", h.HandleConfigChanged)
	router.Register("proxy.status_changed", h.HandleConfigChanged)
}

// HandleConfigChanged reloads the configuration from the backend.
func (h *ConfigHandler) HandleConfigChanged(ctx context.Context, env *Envelope) error {
	h.logger.InfoContext(ctx, "Configuration change signalled", "event_type", env.Kind())
	return h.reloader.ReloadConfiguration(ctx)
}
