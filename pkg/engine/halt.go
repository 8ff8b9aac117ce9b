package engine

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/peregrine-agent/peregrine/pkg/models"
)

// HaltFilePath returns the sentinel file an operator drops to stop a
// running mission without reaching the process itself.
func HaltFilePath(sessionID string) string {
	return filepath.Join(os.TempDir(), sessionID+".halt")
}

// HaltLatch probes for the session's halt sentinel and latches on the first
// sighting, so a mission that saw the signal once keeps winding down even
// if the file disappears mid-shutdown.
type HaltLatch struct {
	sessionID string
	path      string
	emitter   Emitter
	log       *slog.Logger

	mu        sync.Mutex
	halted    bool
	announced bool
}

// NewHaltLatch builds a latch over the default sentinel path.
func NewHaltLatch(sessionID string, emitter Emitter, log *slog.Logger) *HaltLatch {
	if log == nil {
		log = slog.Default()
	}
	return &HaltLatch{
		sessionID: sessionID,
		path:      HaltFilePath(sessionID),
		emitter:   emitter,
		log:       log.With("component", "halt"),
	}
}

// Halted reports whether the halt signal has been seen.
func (h *HaltLatch) Halted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.halted {
		return true
	}
	if _, err := os.Stat(h.path); err != nil {
		return false
	}
	h.halted = true
	if !h.announced {
		h.announced = true
		h.log.Warn("halt signal detected", "session_id", h.sessionID, "path", h.path)
		if h.emitter != nil {
			h.emitter.Emit(models.EventExecutionHalt, h.sessionID, map[string]any{
				"reason": "halt file detected",
			})
		}
	}
	return true
}

// Trigger drops the sentinel file.
func (h *HaltLatch) Trigger() error {
	return os.WriteFile(h.path, []byte("halt"), 0o644)
}

// Clear removes the sentinel and resets the latch.
func (h *HaltLatch) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		h.log.Warn("failed to remove halt file", "path", h.path, "error", err)
	}
	h.halted = false
	h.announced = false
}
