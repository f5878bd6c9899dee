package paxos

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/kit/log"

	"go.legislator.dev/server/cluster"
	"go.legislator.dev/server/configuration"
	"go.legislator.dev/server/ledger"
	"go.legislator.dev/server/message"
	"go.legislator.dev/server/transport/memory"
)

// harness wires three replicas (A, B, C; partition indices 0, 1, 2) over
// one in-memory Network, each driven by its own dispatcher goroutine —
// the single-goroutine-per-replica model of spec.md §4.6, reduced to
// its essentials for deterministic testing, the way
// bernerdschaefer-raft's server_test.go drives a handful of in-process
// servers over a fake transport rather than real sockets.
type harness struct {
	t        *testing.T
	net      *memory.Network
	names    []string
	ledgers  map[string]*ledger.Ledger
	replicas map[string]*Replica
	stop     chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	names := []string{"A", "B", "C"}
	cfg := &configuration.Configuration{Name: "", Peers: make([]configuration.PeerConfig, len(names))}
	for i, n := range names {
		cfg.Peers[i] = configuration.PeerConfig{Name: n, IP: "127.0.0.1", Port: 17171 + i}
	}

	h := &harness{
		t:        t,
		net:      memory.NewNetwork(),
		names:    names,
		ledgers:  make(map[string]*ledger.Ledger),
		replicas: make(map[string]*Replica),
		stop:     make(chan struct{}),
	}

	for i, name := range names {
		l, err := ledger.Open(filepath.Join(t.TempDir(), name+".ledger"), log.NewNopLogger())
		if err != nil {
			t.Fatalf("ledger.Open(%s): %v", name, err)
		}
		h.ledgers[name] = l

		self := *cfg
		self.Name = name
		self.Self = i

		ep := h.net.Register(name)
		c := cluster.New(&self, ep, log.NewNopLogger())
		r := New(log.NewNopLogger(), l, c, nil, nil)
		h.replicas[name] = r

		go h.dispatch(r, ep)
	}

	t.Cleanup(func() {
		close(h.stop)
		for _, l := range h.ledgers {
			l.Close()
		}
	})

	return h
}

func (h *harness) dispatch(r *Replica, ep *memory.Endpoint) {
	for {
		select {
		case msg := <-ep.Inbox():
			r.HandleMessage(msg)
		case <-r.Triggers():
			r.InitiateBallot()
		case <-r.RetryTriggers():
			r.RetryBallot()
		case <-h.stop:
			return
		}
	}
}

func (h *harness) trigger(name string) {
	h.replicas[name].RequestInitiateBallot()
}

// awaitDecree polls until replica name's ledger reports a decree, or
// fails the test after a deadline. Polling, not a notification channel,
// matches the black-box nature of these scenarios: the test only
// observes durable ledger state, never internal Replica fields.
func (h *harness) awaitDecree(name string, timeout time.Duration) (int64, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if d, ok := h.ledgers[name].GetDecree(); ok {
			return d, true
		}
		time.Sleep(time.Millisecond)
	}
	return 0, false
}

func TestHappyPathSingleProposer(t *testing.T) {
	h := newHarness(t)
	h.trigger("A")

	d, ok := h.awaitDecree("A", time.Second)
	if !ok {
		t.Fatalf("A never learned a decree")
	}
	if d != 3 {
		t.Fatalf("decree = %d, want 3", d)
	}

	for _, name := range []string{"B", "C"} {
		got, ok := h.awaitDecree(name, time.Second)
		if !ok {
			t.Fatalf("%s never learned a decree", name)
		}
		if got != d {
			t.Fatalf("%s decree = %d, want %d", name, got, d)
		}
	}
}

func TestRejectionAdvancesBallot(t *testing.T) {
	h := newHarness(t)
	h.ledgers["B"].SetNextBal(10)

	h.trigger("A")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && h.ledgers["A"].GetLastTried() < 12 {
		time.Sleep(time.Millisecond)
	}
	if lt := h.ledgers["A"].GetLastTried(); lt != 12 {
		t.Fatalf("A.last_tried = %d, want 12", lt)
	}
}

func TestPriorVoteWins(t *testing.T) {
	h := newHarness(t)
	h.ledgers["C"].SetNextBal(5)
	h.ledgers["C"].SetPrevVote(ledger.Vote{BallotID: 5, Decree: 99, Voter: "C"})
	// A's next ballot is 6, and B's promise is lost, so the quorum A
	// collects is {A, C} and C's LastVote(6, 5, 99) is among the promises
	// (spec.md §8 S3).
	h.ledgers["A"].SetLastTried(3)
	h.net.SetDropFunc(func(sender, receiver string, msg message.Message) bool {
		return sender == "B" && msg.Method == message.LastVote
	})

	h.trigger("A")

	d, ok := h.awaitDecree("A", time.Second)
	if !ok {
		t.Fatalf("A never learned a decree")
	}
	if d != 99 {
		t.Fatalf("decree = %d, want 99 (C's prior vote must win)", d)
	}
}

func TestDuelingProposersAgree(t *testing.T) {
	h := newHarness(t)
	h.trigger("A")
	h.trigger("B")

	time.Sleep(200 * time.Millisecond)

	var chosen int64
	var haveChosen bool
	for _, name := range h.names {
		d, ok := h.ledgers[name].GetDecree()
		if !ok {
			continue
		}
		if !haveChosen {
			chosen, haveChosen = d, true
			continue
		}
		if d != chosen {
			t.Fatalf("replica %s decree = %d, conflicts with earlier decree %d", name, d, chosen)
		}
	}
}

func TestMessageLossPreventsLearning(t *testing.T) {
	h := newHarness(t)
	// Drop every BeginBallot A sends to a peer other than itself: whichever
	// second replica ends up in A's quorum set (B or C — scheduling across
	// the three dispatcher goroutines decides which replies first), its
	// BeginBallot never arrives, so A can never collect every promiser's
	// Voted reply and no decree is ever chosen (spec.md §8 S5).
	h.net.SetDropFunc(func(sender, receiver string, msg message.Message) bool {
		return sender == "A" && receiver != "A" && msg.Method == message.BeginBallot
	})

	h.trigger("A")
	time.Sleep(200 * time.Millisecond)

	for _, name := range h.names {
		if _, ok := h.ledgers[name].GetDecree(); ok {
			t.Fatalf("replica %s learned a decree despite dropped BeginBallot messages", name)
		}
	}
}

func TestCrashRecoveryRefusesStaleBegin(t *testing.T) {
	h := newHarness(t)
	h.ledgers["A"].SetNextBal(7)
	// A answers the stale BeginBallot with HigherBallot(7) to B; dropping
	// that reply keeps B from starting a ballot of its own, in which A
	// would then legitimately vote.
	h.net.SetDropFunc(func(sender, receiver string, msg message.Message) bool {
		return msg.Method == message.HigherBallot
	})

	if err := h.replicas["A"].cluster.Send("A", message.Message{
		Method: message.BeginBallot,
		Ballot: 5,
		Decree: 42,
		Sender: "B",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if v := h.ledgers["A"].GetPrevVote(); v != ledger.SentinelVote {
		t.Fatalf("A.prev_vote = %+v, want sentinel: stale BeginBallot(5) must be discarded once next_bal=7", v)
	}
	if _, ok := h.ledgers["A"].GetDecree(); ok {
		t.Fatalf("A recorded a decree from a stale BeginBallot")
	}
}
