// Package bpfmaps reads and writes eBPF map entries through bpftool.
// Every operation is best-effort: tool failures degrade to empty or
// false results and never surface as errors, since map access serves
// monitoring and control loops that must not crash on a missing tool.
package bpfmaps

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/x0tta6bl4/meshbpf"
	"github.com/x0tta6bl4/meshbpf/toolexec"
)

const (
	// StatsMapName is the packet-counter map shared with the eBPF
	// programs. Keys 0..3 are total, passed, dropped, forwarded.
	StatsMapName = "packet_stats"
	// RoutesMapName is the mesh routing table map.
	RoutesMapName = "mesh_routes"

	probeTimeout = 2 * time.Second
	mapTimeout   = 5 * time.Second
)

// MapInfo describes one kernel map as reported by bpftool map list.
type MapInfo struct {
	ID         uint32 `json:"id"`
	Type       string `json:"type"`
	Name       string `json:"name"`
	MaxEntries uint32 `json:"max_entries"`
}

// Manager provides read/write access to named eBPF maps. bpftool
// availability is probed once at construction; an unavailable tool
// turns every operation into an immediate empty/false result.
type Manager struct {
	runner    toolexec.Runner
	logger    *slog.Logger
	available bool
}

// New creates a Manager and probes for a working bpftool. A nil runner
// gets the default exec-backed runner; a nil logger discards.
func New(ctx context.Context, runner toolexec.Runner, logger *slog.Logger) *Manager {
	if runner == nil {
		runner = toolexec.NewRunner()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Manager{
		runner: runner,
		logger: logger.With("component", "bpfmaps"),
	}
	m.available = m.probe(ctx)
	if !m.available {
		m.logger.Warn("bpftool unavailable, map operations will return empty results")
	}
	return m
}

// Available reports whether the construction-time bpftool probe
// succeeded.
func (m *Manager) Available() bool { return m.available }

func (m *Manager) probe(ctx context.Context) bool {
	if _, err := m.runner.LookPath("bpftool"); err != nil {
		return false
	}
	res, err := m.runner.Run(ctx, probeTimeout, "bpftool", "version")
	return err == nil && res.Ok()
}

// ReadMap dumps the named map and returns its entries keyed by a
// string form of each key. List-typed keys are flattened with
// underscores, so [1,2] becomes "1_2". Any failure returns an empty
// map.
func (m *Manager) ReadMap(ctx context.Context, name string) map[string]any {
	out := make(map[string]any)
	if !m.available {
		return out
	}

	res, err := m.runner.Run(ctx, mapTimeout, "bpftool", "map", "dump", "name", name, "--json")
	if err != nil {
		m.logger.Debug("map dump did not complete", "map", name, "error", err)
		return out
	}
	if !res.Ok() {
		m.logger.Debug("map dump failed", "map", name, "stderr", strings.TrimSpace(res.Stderr))
		return out
	}

	var entries []struct {
		Key   any `json:"key"`
		Value any `json:"value"`
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(res.Stdout)))
	dec.UseNumber()
	if err := dec.Decode(&entries); err != nil {
		m.logger.Debug("map dump produced unparseable JSON", "map", name, "error", err)
		return out
	}

	for _, e := range entries {
		out[flattenKey(e.Key)] = e.Value
	}
	return out
}

// UpdateEntry writes one key/value pair into the named map. The key
// and value strings are passed to bpftool word by word, so multi-byte
// forms like "0 0 0 0" work. Reports whether the tool exited zero.
func (m *Manager) UpdateEntry(ctx context.Context, mapName, key, value string) bool {
	if !m.available {
		return false
	}

	args := []string{"map", "update", "name", mapName, "key"}
	args = append(args, strings.Fields(key)...)
	args = append(args, "value")
	args = append(args, strings.Fields(value)...)

	res, err := m.runner.Run(ctx, mapTimeout, "bpftool", args...)
	if err != nil {
		m.logger.Debug("map update did not complete", "map", mapName, "key", key, "error", err)
		return false
	}
	if !res.Ok() {
		m.logger.Debug("map update failed",
			"map", mapName, "key", key, "stderr", strings.TrimSpace(res.Stderr))
		return false
	}
	return true
}

// Stats reads the packet_stats map and interprets keys 0 through 3 as
// the four packet counters. Keys outside that range are ignored, and
// a missing or unavailable map yields all-zero counters.
func (m *Manager) Stats(ctx context.Context) meshbpf.PacketStats {
	var stats meshbpf.PacketStats
	for key, value := range m.ReadMap(ctx, StatsMapName) {
		n, ok := toUint64(value)
		if !ok {
			continue
		}
		switch key {
		case "0":
			stats.TotalPackets = n
		case "1":
			stats.PassedPackets = n
		case "2":
			stats.DroppedPackets = n
		case "3":
			stats.ForwardedPackets = n
		}
	}
	return stats
}

// UpdateRoutes writes every destination to next-hop pair into the
// mesh_routes map. Returns true only when every write succeeded, plus
// the destinations that failed. Partial writes are not rolled back;
// the failed list tells the caller exactly what did not land.
func (m *Manager) UpdateRoutes(ctx context.Context, routes map[string]string) (bool, []string) {
	var failed []string
	for dest, nextHop := range routes {
		if !m.UpdateEntry(ctx, RoutesMapName, dest, nextHop) {
			failed = append(failed, dest)
		}
	}
	sort.Strings(failed)
	if len(failed) > 0 {
		m.logger.Warn("route updates failed", "map", RoutesMapName, "failed", failed)
	}
	return m.available && len(failed) == 0, failed
}

// ListMaps returns the kernel maps bpftool can see. Any failure
// returns an empty list.
func (m *Manager) ListMaps(ctx context.Context) []MapInfo {
	if !m.available {
		return nil
	}

	res, err := m.runner.Run(ctx, mapTimeout, "bpftool", "map", "list", "--json")
	if err != nil || !res.Ok() {
		m.logger.Debug("map list failed", "error", err)
		return nil
	}

	var maps []MapInfo
	if err := json.Unmarshal([]byte(res.Stdout), &maps); err != nil {
		m.logger.Debug("map list produced unparseable JSON", "error", err)
		return nil
	}
	return maps
}

// flattenKey renders a dumped map key as a string. bpftool emits keys
// as numbers, strings, or arrays depending on the map's key type.
func flattenKey(key any) string {
	switch k := key.(type) {
	case string:
		return k
	case json.Number:
		return k.String()
	case []any:
		parts := make([]string, len(k))
		for i, elem := range k {
			parts[i] = flattenKey(elem)
		}
		return strings.Join(parts, "_")
	default:
		b, err := json.Marshal(key)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// toUint64 coerces the value shapes bpftool emits for counters.
func toUint64(value any) (uint64, bool) {
	switch v := value.(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil || n < 0 {
			return 0, false
		}
		return uint64(n), true
	case string:
		n, err := json.Number(strings.TrimSpace(v)).Int64()
		if err != nil || n < 0 {
			return 0, false
		}
		return uint64(n), true
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	default:
		return 0, false
	}
}
