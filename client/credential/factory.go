package credential

import (
	"fmt"

	"github.com/amurg-ai/deskline/client/config"
)

// New creates a Store based on the configured backend.
func New(cfg config.CredentialConfig) (Store, error) {
	switch cfg.Backend {
	case "file", "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("credentials.path is required for the file backend")
		}
		return NewFile(cfg.Path), nil
	case "sqlite":
		return NewSQLite(cfg.Path)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unsupported credential backend: %q", cfg.Backend)
	}
}
