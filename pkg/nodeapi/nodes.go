package nodeapi

import (
	"fmt"
	"sync"

	"github.com/cert-ee/cuckoo3/pkg/scheduler"
)

// Nodes fans scheduler.RemoteCandidates out across every configured
// remote task-node, keyed by node name. It is the concrete
// implementation cmd/cuckoo wires into the scheduler whenever remote
// nodes are configured.
type Nodes struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewNodes returns a Nodes fanning out across clients.
func NewNodes(clients ...*Client) *Nodes {
	n := &Nodes{clients: make(map[string]*Client, len(clients))}
	for _, c := range clients {
		n.clients[c.Name()] = c
	}
	return n
}

// ListByTags queries every node and concatenates their eligible
// candidates.
func (n *Nodes) ListByTags(platform, osVersion string, tags []string) []scheduler.RemoteMachine {
	n.mu.RLock()
	clients := make([]*Client, 0, len(n.clients))
	for _, c := range n.clients {
		clients = append(clients, c)
	}
	n.mu.RUnlock()

	var out []scheduler.RemoteMachine
	for _, c := range clients {
		out = append(out, c.ListByTags(platform, osVersion, tags)...)
	}
	return out
}

// Reserve dispatches to the named node's client.
func (n *Nodes) Reserve(nodeName, machineName, taskID string) (bool, error) {
	n.mu.RLock()
	c, ok := n.clients[nodeName]
	n.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("unknown node %s", nodeName)
	}
	return c.Reserve(nodeName, machineName, taskID)
}

// Remove drops a node from the fan-out set, e.g. once it is confirmed
// disconnected and should no longer be queried for candidates.
func (n *Nodes) Remove(nodeName string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.clients, nodeName)
}

// Add (re)adds a node to the fan-out set, e.g. once it reconnects.
func (n *Nodes) Add(c *Client) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clients[c.Name()] = c
}
