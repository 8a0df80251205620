package runtime

import (
	"fmt"
	"log/slog"

	"github.com/butlerfleet/butlerd/pkg/config"
)

// NewAdapter builds the adapter named by runtime config.
func NewAdapter(cfg *config.RuntimeConfig, logger *slog.Logger) (Adapter, error) {
	switch cfg.Adapter {
	case "cli":
		return NewCLIAdapter(cfg, logger), nil
	case "stub", "":
		return NewStubAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown runtime adapter %q", cfg.Adapter)
	}
}
