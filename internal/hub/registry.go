// Package hub keeps the workspace to socket mapping used to multicast
// notifications and live readings to dashboards.
package hub

import (
	"sync"

	"wiogate/internal/metrics"

	"go.uber.org/zap"
)

// Registry maps workspace ids to the clients joined to them. Critical
// sections never perform I/O: sends are non-blocking enqueues onto each
// client's own buffer.
type Registry struct {
	mu         sync.RWMutex
	workspaces map[string][]*Client
	log        *zap.Logger
	metrics    *metrics.Metrics
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *zap.Logger, m *metrics.Metrics) *Registry {
	return &Registry{
		workspaces: make(map[string][]*Client),
		log:        logger.Named("hub"),
		metrics:    m,
	}
}

// AddClient appends client to every listed workspace. Duplicate ids in
// workspaceIDs are joined once.
func (r *Registry) AddClient(workspaceIDs []string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range dedupe(workspaceIDs) {
		r.workspaces[id] = append(r.workspaces[id], client)
	}
	r.log.Debug("Client joined", zap.String("client", client.ID()), zap.Strings("workspaces", workspaceIDs))
}

// RemoveClient removes client, by identity, from every listed workspace
// and drops workspaces left empty.
func (r *Registry) RemoveClient(workspaceIDs []string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range dedupe(workspaceIDs) {
		clients := r.workspaces[id]
		for i, c := range clients {
			if c == client {
				clients = append(clients[:i:i], clients[i+1:]...)
				break
			}
		}
		if len(clients) == 0 {
			delete(r.workspaces, id)
		} else {
			r.workspaces[id] = clients
		}
	}
	r.log.Debug("Client left", zap.String("client", client.ID()), zap.Strings("workspaces", workspaceIDs))
}

// SendMessage enqueues message to every client of the workspace and returns
// how many accepted it. A client that cannot accept is logged and skipped.
func (r *Registry) SendMessage(workspaceID, message string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	delivered := 0
	for _, client := range r.workspaces[workspaceID] {
		if err := client.Enqueue(message); err != nil {
			r.metrics.MulticastResult("dropped")
			r.log.Warn("Failed to enqueue message",
				zap.String("workspace", workspaceID), zap.String("client", client.ID()), zap.Error(err))
			continue
		}
		r.metrics.MulticastResult("delivered")
		delivered++
	}
	return delivered
}

// Clients returns the number of clients joined to a workspace.
func (r *Registry) Clients(workspaceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workspaces[workspaceID])
}

// Workspaces returns the number of workspaces with at least one client.
func (r *Registry) Workspaces() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workspaces)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
