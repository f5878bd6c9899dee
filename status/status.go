// Package status implements the tree-shaped status-dump idiom used
// throughout goshawkdb (Acceptor.Status, AcceptorDispatcher.Status):
// components Emit lines and Fork children, the root Join()s and Wait()s
// for the whole tree to finish before the text is printed.
package status

import (
	"strings"
	"sync"
)

// StatusEmitter is implemented by anything that can describe itself into
// a StatusConsumer, recursively Forking for sub-components.
type StatusEmitter interface {
	Status(sc *StatusConsumer)
}

// StatusConsumer accumulates indented status lines from a tree of
// emitters and signals completion via an internal WaitGroup.
type StatusConsumer struct {
	parent *StatusConsumer
	indent string
	wg     *sync.WaitGroup
	lines  *[]string
	mu     *sync.Mutex
}

// NewStatusConsumer creates the root of a status tree.
func NewStatusConsumer() *StatusConsumer {
	lines := make([]string, 0, 16)
	return &StatusConsumer{
		wg:    new(sync.WaitGroup),
		lines: &lines,
		mu:    new(sync.Mutex),
	}
}

// Emit appends a single line at the consumer's current indent level.
func (sc *StatusConsumer) Emit(line string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	*sc.lines = append(*sc.lines, sc.indent+line)
}

// Fork returns a child consumer, indented one level further, and adds
// one to the root's outstanding-Join count. Callers must eventually
// call Join on the value Fork returns.
func (sc *StatusConsumer) Fork() *StatusConsumer {
	sc.wg.Add(1)
	return &StatusConsumer{
		parent: sc,
		indent: sc.indent + "  ",
		wg:     sc.wg,
		lines:  sc.lines,
		mu:     sc.mu,
	}
}

// Join marks this (forked) consumer as done.
func (sc *StatusConsumer) Join() {
	sc.wg.Done()
}

// Wait blocks until every Fork()ed descendant has Join()ed, then renders
// the accumulated lines as a single newline-joined string.
func (sc *StatusConsumer) Wait() string {
	sc.wg.Wait()
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return strings.Join(*sc.lines, "\n")
}
