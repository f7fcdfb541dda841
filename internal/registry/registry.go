// Package registry tracks the per-agent metadata, keyed by agent name, that
// the rest of the broker needs (§4.4), and mirrors it to disk for
// out-of-band readers. Live connections are held by the Router, not here.
package registry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
)

// AgentInfo is the metadata the registry keeps per named agent.
type AgentInfo struct {
	Name      string    `json:"name"`
	CLI       string    `json:"cli,omitempty"`
	Program   string    `json:"program,omitempty"`
	Model     string    `json:"model,omitempty"`
	Task      string    `json:"task,omitempty"`
	CWD       string    `json:"cwd,omitempty"`
	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

// snapshot is the on-disk shape of agents.json (§6).
type snapshot struct {
	Agents []AgentInfo `json:"agents"`
}

// Registry is a concurrent name->metadata map, atomically mirrored to
// <teamDir>/agents.json on every mutation.
type Registry struct {
	mu      sync.RWMutex
	agents  map[string]AgentInfo
	teamDir string
}

// New returns a Registry that snapshots into teamDir. An empty teamDir
// disables file snapshotting (useful in tests).
func New(teamDir string) *Registry {
	return &Registry{
		agents:  make(map[string]AgentInfo),
		teamDir: teamDir,
	}
}

// RegisterOrUpdate creates or refreshes an agent's metadata record and
// bumps LastSeen.
func (r *Registry) RegisterOrUpdate(info AgentInfo) {
	r.mu.Lock()
	now := time.Now()
	existing, ok := r.agents[info.Name]
	if ok {
		info.FirstSeen = existing.FirstSeen
	} else {
		info.FirstSeen = now
	}
	info.LastSeen = now
	r.agents[info.Name] = info
	r.mu.Unlock()

	r.writeSnapshot()
}

// Touch updates only an agent's LastSeen timestamp.
func (r *Registry) Touch(name string) {
	r.mu.Lock()
	info, ok := r.agents[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	info.LastSeen = time.Now()
	r.agents[name] = info
	r.mu.Unlock()

	r.writeSnapshot()
}

// Unregister removes an agent's metadata entirely (on Connection close).
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	_, existed := r.agents[name]
	delete(r.agents, name)
	r.mu.Unlock()

	if existed {
		r.writeSnapshot()
	}
}

// Get returns the current metadata for a name, if registered.
func (r *Registry) Get(name string) (AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.agents[name]
	return info, ok
}

// Names returns every currently-registered agent name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for name := range r.agents {
		out = append(out, name)
	}
	return out
}

// Snapshot returns a copy of every registered agent's metadata, the same
// data agents.json carries.
func (r *Registry) Snapshot() []AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentInfo, 0, len(r.agents))
	for _, info := range r.agents {
		out = append(out, info)
	}
	return out
}

// writeSnapshot rewrites agents.json using write-temp-then-rename so
// external readers never observe a partial file (§4.4, invariant on
// registry snapshot writes).
func (r *Registry) writeSnapshot() {
	if r.teamDir == "" {
		return
	}

	data, err := json.Marshal(snapshot{Agents: r.Snapshot()})
	if err != nil {
		slog.Error("registry: failed to marshal agents.json", "error", err)
		return
	}

	path := filepath.Join(r.teamDir, "agents.json")
	if err := atomicwriter.WriteFile(path, data, 0o644); err != nil {
		slog.Error("registry: failed to write agents.json", "error", fmt.Errorf("write snapshot: %w", err))
	}
}
