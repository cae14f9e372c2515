package nodeapi

import (
	"context"
	"sync"
	"time"

	"github.com/cert-ee/cuckoo3/pkg/log"
	"github.com/rs/zerolog"
)

// NodeWatcher polls one remote node's /machines every interval and
// reports node_disconnected after two consecutive failures. It is the
// main node's half of node liveness; the scheduler stops treating the
// node as a candidate source once onDisconnected fires, but in-flight
// tasks on that node are left alone until their own deadlines.
type NodeWatcher struct {
	client         *Client
	interval       time.Duration
	onDisconnected func(nodeName string)
	onReconnected  func(nodeName string)

	mu         sync.Mutex
	failures   int
	disconnect bool
	stopCh     chan struct{}

	logger zerolog.Logger
}

// NewNodeWatcher returns a watcher for client. onReconnected may be
// nil if the caller doesn't care to resume scheduling to a node that
// recovers (not recommended: leaving it nil means a recovered node is
// never used again until restart).
func NewNodeWatcher(client *Client, interval time.Duration, onDisconnected, onReconnected func(nodeName string)) *NodeWatcher {
	return &NodeWatcher{
		client:         client,
		interval:       interval,
		onDisconnected: onDisconnected,
		onReconnected:  onReconnected,
		stopCh:         make(chan struct{}),
		logger:         log.WithComponent("nodeapi-watcher").With().Str("node", client.Name()).Logger(),
	}
}

// Start begins polling in the background.
func (w *NodeWatcher) Start() {
	go w.run()
}

// Stop halts polling.
func (w *NodeWatcher) Stop() {
	close(w.stopCh)
}

func (w *NodeWatcher) run() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.poll()
		case <-w.stopCh:
			return
		}
	}
}

func (w *NodeWatcher) poll() {
	ctx, cancel := context.WithTimeout(context.Background(), w.interval/2)
	defer cancel()

	_, err := w.client.Machines(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err != nil {
		w.failures++
		w.logger.Warn().Err(err).Int("consecutive_failures", w.failures).Msg("machines poll failed")
		if w.failures >= 2 && !w.disconnect {
			w.disconnect = true
			if w.onDisconnected != nil {
				w.onDisconnected(w.client.Name())
			}
		}
		return
	}

	wasDisconnected := w.disconnect
	w.failures = 0
	w.disconnect = false
	if wasDisconnected && w.onReconnected != nil {
		w.onReconnected(w.client.Name())
	}
}
