// Package tcp is the real network Transport: one long-lived net.Conn per
// peer, dialed lazily on first send and kept open, mirroring the
// dial-on-demand shape of goshawkdb's network/connection.go minus the
// TLS/capnproto handshake (out of scope: spec.md treats wire framing as
// an external collaborator's concern). Framing uses encoding/gob, a
// stdlib codec, which is the deliberate choice here precisely because
// the concrete wire format is not part of the specified core (see
// DESIGN.md).
package tcp

import (
	"encoding/gob"
	"fmt"
	"net"
	"sync"

	"github.com/go-kit/kit/log"

	"go.legislator.dev/server/message"
)

// Transport is a net.Conn-backed Transport+Inbox for one replica.
type Transport struct {
	self     string
	addrs    map[string]string // peer name -> "host:port"
	listener net.Listener
	inbox    chan message.Message
	logger   log.Logger

	mu    sync.Mutex
	conns map[string]net.Conn
	done  chan struct{}
}

// Listen binds addr and begins accepting inbound connections from
// peers. addrs maps every peer name, including self, to its
// "host:port"; a send to self is dialed over TCP like any other peer.
func Listen(self, addr string, addrs map[string]string, logger log.Logger) (*Transport, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: listen on %s: %w", addr, err)
	}
	t := &Transport{
		self:     self,
		addrs:    addrs,
		listener: ln,
		inbox:    make(chan message.Message, 256),
		logger:   logger,
		conns:    make(map[string]net.Conn),
		done:     make(chan struct{}),
	}
	go t.acceptLoop()
	return t, nil
}

func (t *Transport) Inbox() <-chan message.Message {
	return t.inbox
}

// Send gob-encodes msg onto the (lazily dialed) connection for peer.
func (t *Transport) Send(peer string, msg message.Message) error {
	conn, err := t.connFor(peer)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(conn).Encode(&msg); err != nil {
		t.mu.Lock()
		delete(t.conns, peer)
		t.mu.Unlock()
		conn.Close()
		return fmt.Errorf("tcp: send to %q: %w", peer, err)
	}
	return nil
}

func (t *Transport) connFor(peer string) (net.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, found := t.conns[peer]; found {
		return conn, nil
	}
	addr, found := t.addrs[peer]
	if !found {
		return nil, fmt.Errorf("tcp: no address configured for peer %q", peer)
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %q at %s: %w", peer, addr, err)
	}
	t.conns[peer] = conn
	go t.readLoop(conn)
	return conn, nil
}

func (t *Transport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		go t.readLoop(conn)
	}
}

func (t *Transport) readLoop(conn net.Conn) {
	dec := gob.NewDecoder(conn)
	for {
		var msg message.Message
		if err := dec.Decode(&msg); err != nil {
			return
		}
		select {
		case t.inbox <- msg:
		case <-t.done:
			return
		}
	}
}

// Close shuts down the listener and every open connection.
func (t *Transport) Close() error {
	close(t.done)
	err := t.listener.Close()
	t.mu.Lock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()
	return err
}
