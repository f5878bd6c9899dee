// Package cluster is the "Cluster Directory" of spec.md §2, §4.5: an
// immutable map from peer name to transport handle, built once at
// startup. Per the §9 redesign note, it holds lightweight peer handles
// (name + partition index) rather than each replica holding a map to
// every other replica object; there is no shared-pointer cycle to
// re-architect away because there is nothing here but names and a
// shared Transport.
package cluster

import (
	"fmt"

	"github.com/go-kit/kit/log"

	server "go.legislator.dev/server"
	"go.legislator.dev/server/configuration"
	"go.legislator.dev/server/message"
	"go.legislator.dev/server/transport"
)

// Peer is a lightweight handle: a name and its fixed partition index.
// It carries no transport-specific state of its own; all peers share
// one Transport.
type Peer struct {
	Name  string
	Index int
}

// Cluster is the immutable, process-lifetime directory of every peer in
// the configured cluster, including self.
type Cluster struct {
	Self      string
	SelfIndex int
	Peers     []Peer // ordered by partition index

	transport transport.Transport
	logger    log.Logger
}

// New builds a Cluster from a validated Configuration and the Transport
// used to reach every peer (including self).
func New(cfg *configuration.Configuration, t transport.Transport, logger log.Logger) *Cluster {
	peers := make([]Peer, len(cfg.Peers))
	for i, p := range cfg.Peers {
		peers[i] = Peer{Name: p.Name, Index: i}
	}
	return &Cluster{
		Self:      cfg.Name,
		SelfIndex: cfg.Self,
		Peers:     peers,
		transport: t,
		logger:    logger,
	}
}

// N is the cluster size.
func (c *Cluster) N() int { return len(c.Peers) }

// Send delivers msg to exactly one named peer. Errors are the caller's
// to log-and-discard (spec.md §7: transport errors are never fatal).
func (c *Cluster) Send(peer string, msg message.Message) error {
	return c.transport.Send(peer, msg)
}

// Broadcast fans msg out to every peer, including self, matching the
// source's send_next_ballot/send_success loops over the full legislator
// map. Each send runs in its own goroutine so one slow/blocked peer
// never delays delivery to the others (spec.md §5: "Broadcasts are not
// atomic across peers; partial delivery is expected and safe").
func (c *Cluster) Broadcast(msg message.Message) {
	for _, p := range c.Peers {
		peer := p.Name
		go func() {
			if err := c.Send(peer, msg); err != nil {
				server.CheckWarn(fmt.Errorf("broadcasting %s to %s: %w", msg.Method, peer, err), c.logger)
			}
		}()
	}
}
