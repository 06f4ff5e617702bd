package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// GCConfig configures orphan-pin garbage collection.
type GCConfig struct {
	// Now is the reference time for staleness calculations. Zero
	// means time.Now().
	Now time.Time

	// MinOrphanAge is the minimum age a pin must reach before it can
	// be collected. Prevents collecting a pin mid-creation by a
	// concurrent load. Default: 5 minutes.
	MinOrphanAge time.Duration

	// DryRun prevents deletions when true.
	DryRun bool
}

// DefaultGCConfig returns a GCConfig that plans but does not delete.
func DefaultGCConfig() GCConfig {
	return GCConfig{
		Now:          time.Now(),
		MinOrphanAge: 5 * time.Minute,
		DryRun:       true,
	}
}

// GCItem is one pin identified as garbage.
type GCItem struct {
	PinPath string
	Age     time.Duration
}

// GCResult summarises one garbage collection run.
type GCResult struct {
	Orphans []GCItem
	Deleted int
	Failed  int
	DryRun  bool
}

// GC finds pins under the bpffs root that neither the in-memory loader
// nor the journal knows about, typically left by a crash between
// kernel load and unpin. Orphans older than MinOrphanAge are deleted
// unless DryRun is set.
func (m *Manager) GC(ctx context.Context, cfg GCConfig) (GCResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.Now.IsZero() {
		cfg.Now = time.Now()
	}
	if cfg.MinOrphanAge == 0 {
		cfg.MinOrphanAge = 5 * time.Minute
	}
	result := GCResult{DryRun: cfg.DryRun}

	known := make(map[string]bool)
	for _, prog := range m.loader.List() {
		if prog.PinnedPath != "" {
			known[prog.PinnedPath] = true
		}
	}
	journalled, err := m.journal.PinPaths(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to read journalled pins: %w", err)
	}
	for _, pin := range journalled {
		known[pin] = true
	}

	pins, err := m.cfg.BpffsRoot().ListPins()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, nil
		}
		return result, fmt.Errorf("failed to list pins: %w", err)
	}

	cutoff := cfg.Now.Add(-cfg.MinOrphanAge)
	for _, pin := range pins {
		if known[pin] {
			continue
		}
		info, err := os.Stat(pin)
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		result.Orphans = append(result.Orphans, GCItem{
			PinPath: pin,
			Age:     cfg.Now.Sub(info.ModTime()),
		})
	}

	if cfg.DryRun {
		m.logger.Info("gc dry run", "orphans", len(result.Orphans))
		return result, nil
	}

	for _, item := range result.Orphans {
		if err := os.Remove(item.PinPath); err != nil {
			m.logger.Warn("failed to remove orphan pin", "pin", item.PinPath, "error", err)
			result.Failed++
			continue
		}
		m.logger.Info("removed orphan pin", "pin", item.PinPath, "age", item.Age)
		result.Deleted++
	}
	return result, nil
}
