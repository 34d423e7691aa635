package backends

import (
	"context"
	"log/slog"
)

// Debug wraps any Backend and adds debug logging.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	backend Backend
	logger  *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing backend.
func NewDebug(backend Backend, logger *slog.Logger) *Debug {
	if logger == nil {
		logger = slog.Default()
	}
	return &Debug{
		backend: backend,
		logger:  logger.With("component", "backend"),
	}
}

// Write stores content with debug logging.
func (d *Debug) Write(ctx context.Context, content []byte) (string, error) {
	d.logger.DebugContext(ctx, "write", "size", len(content))

	id, err := d.backend.Write(ctx, content)
	if err != nil {
		d.logger.DebugContext(ctx, "write failed", "error", err)
		return id, err
	}

	d.logger.DebugContext(ctx, "write stored", "id", id)
	return id, nil
}

// Read retrieves content with debug logging.
func (d *Debug) Read(ctx context.Context, id string) ([]byte, error) {
	d.logger.DebugContext(ctx, "read", "id", id)

	data, err := d.backend.Read(ctx, id)
	if err != nil {
		d.logger.DebugContext(ctx, "read failed", "id", id, "error", err)
		return data, err
	}

	d.logger.DebugContext(ctx, "read hit", "id", id, "size", len(data))
	return data, nil
}

// Delete removes content with debug logging.
func (d *Debug) Delete(ctx context.Context, id string) error {
	d.logger.DebugContext(ctx, "delete", "id", id)

	err := d.backend.Delete(ctx, id)
	if err != nil {
		d.logger.DebugContext(ctx, "delete failed", "id", id, "error", err)
	}

	return err
}
