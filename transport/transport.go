// Package transport defines the collaborator interface spec.md §2
// assigns to message delivery: best-effort, may drop/duplicate/reorder,
// with concrete framing left to the implementation. The protocol core
// in package paxos never imports a concrete transport, only this
// interface, so swapping transport/memory for transport/tcp requires no
// change to replica logic.
package transport

import "go.legislator.dev/server/message"

// Transport delivers msg to the named peer. Delivery is best-effort: a
// returned error means the send could not even be attempted (e.g. no
// known address for peer) or failed locally; per spec.md §7 the caller
// treats this as a legal, silent loss and does not retry.
type Transport interface {
	Send(peer string, msg message.Message) error
}

// Inbox is implemented by transports that also receive: callers range
// over Inbox() to feed messages into a Replica's single event loop
// (spec.md §5).
type Inbox interface {
	Inbox() <-chan message.Message
}
