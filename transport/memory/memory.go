// Package memory is an in-process Transport used by tests (spec.md §8's
// S1-S6 scenarios) to drive deterministic, in-memory message delivery
// without touching the network. It is grounded in the peer-map dispatch
// style of goshawkdb's network.ConnectionManager, reduced to the bare
// minimum needed for single-process simulation: a shared Network holds
// one inbox per registered peer, and an optional drop function lets a
// test inject the message loss spec.md §8/S5 exercises.
package memory

import (
	"fmt"
	"sync"

	"go.legislator.dev/server/message"
)

// DropFunc decides whether a message from sender to receiver should be
// silently discarded in flight, simulating transport loss.
type DropFunc func(sender, receiver string, msg message.Message) bool

// Network is the shared medium a set of Endpoints send through.
type Network struct {
	mu      sync.Mutex
	inboxes map[string]chan message.Message
	drop    DropFunc
}

// NewNetwork creates an empty network. Peers must Register before they
// can send or receive.
func NewNetwork() *Network {
	return &Network{inboxes: make(map[string]chan message.Message)}
}

// SetDropFunc installs f as the network's loss-injection policy. A nil
// f (the default) never drops.
func (n *Network) SetDropFunc(f DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = f
}

// Register creates an Endpoint bound to name, with its own inbound
// channel. Registering the same name twice panics: it is a programming
// error, not a runtime condition.
func (n *Network) Register(name string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, found := n.inboxes[name]; found {
		panic(fmt.Sprintf("memory: peer %q already registered", name))
	}
	inbox := make(chan message.Message, 256)
	n.inboxes[name] = inbox
	return &Endpoint{name: name, network: n, inbox: inbox}
}

func (n *Network) deliver(sender, receiver string, msg message.Message) error {
	n.mu.Lock()
	drop := n.drop
	inbox, found := n.inboxes[receiver]
	n.mu.Unlock()

	if !found {
		return fmt.Errorf("memory: unknown peer %q", receiver)
	}
	if drop != nil && drop(sender, receiver, msg) {
		return nil
	}
	select {
	case inbox <- msg:
		return nil
	default:
		// Inbox full: treat exactly like a dropped packet (spec.md §2:
		// transport "loses or reorders at will").
		return fmt.Errorf("memory: inbox for %q is full, message dropped", receiver)
	}
}

// Endpoint is the Transport+Inbox a single peer uses to talk to the
// rest of the Network.
type Endpoint struct {
	name    string
	network *Network
	inbox   chan message.Message
}

func (e *Endpoint) Send(peer string, msg message.Message) error {
	return e.network.deliver(e.name, peer, msg)
}

func (e *Endpoint) Inbox() <-chan message.Message {
	return e.inbox
}
