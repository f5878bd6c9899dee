// Package paxos implements the Replica state machine of spec.md §4.3:
// ballot-number generation, the promise phase, the voting phase
// transition, the voting phase, learning, and higher-ballot feedback.
// It is the direct Go descendant of
// original_source/src/legislator/legislator.cc's Legislator class, with
// the two safety corrections spec.md §9 calls for (BeginBallot with
// b > next_bal is discarded rather than voted on; HigherBallot re-entry
// is throttled by backoff) and the §9 redesign applied: dispatch is a
// closed Method switch (message.Method), not a string comparison, and a
// Replica owns its own Ledger and quorum set rather than reaching into
// shared global state.
package paxos

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/kit/log"

	"go.legislator.dev/server"
	"go.legislator.dev/server/cluster"
	"go.legislator.dev/server/ledger"
	"go.legislator.dev/server/message"
	"go.legislator.dev/server/metrics"
	"go.legislator.dev/server/status"
)

// ProposeFunc supplies the decree value a proposer uses when no
// promiser in the quorum reports a prior vote. spec.md §9's "Open
// question — free-choice decree value" notes the source hardcodes the
// ballot number itself; DefaultPropose below preserves that, but New
// accepts any ProposeFunc so an integrator can thread a real
// client-supplied value through instead.
type ProposeFunc func(ballot int64) int64

// DefaultPropose reproduces the source's placeholder behavior exactly:
// propose the ballot number itself as the decree.
func DefaultPropose(ballot int64) int64 { return ballot }

// Replica is one participant's Paxos state machine. All of its exported
// methods are intended to be called from a single goroutine — the Event
// Dispatcher of spec.md §2/§4.6 — except where noted; it mutates no
// package-level state and holds no reference to its peers beyond the
// Cluster directory.
type Replica struct {
	logger  log.Logger
	ledger  *ledger.Ledger
	cluster *cluster.Cluster
	metrics *metrics.Recorder
	propose ProposeFunc

	n              int64
	partitionIndex int64

	mu         sync.Mutex
	quorum     map[string]ledger.Vote // promise phase: voter -> LastVote; voting phase: membership only
	hasStarted bool

	rebackoff backoff.BackOff

	// triggers and retries both carry a request back onto the single
	// Event Dispatcher goroutine that owns this Replica (spec.md §4.6),
	// but they are kept distinct so the dispatcher can tell a genuine
	// external trigger (SIGTSTP, an operator command) from a
	// backoff-scheduled self re-initiation after HigherBallot. Only the
	// former resets rebackoff; collapsing the two onto one channel would
	// let every self-driven retry reset its own backoff and the delay
	// would never escalate under sustained contention.
	triggers chan struct{}
	retries  chan struct{}
}

// New builds a Replica for one partition in an N-way cluster.
func New(logger log.Logger, l *ledger.Ledger, c *cluster.Cluster, m *metrics.Recorder, propose ProposeFunc) *Replica {
	if propose == nil {
		propose = DefaultPropose
	}
	return &Replica{
		logger:         logger,
		ledger:         l,
		cluster:        c,
		metrics:        m,
		propose:        propose,
		n:              int64(c.N()),
		partitionIndex: int64(c.SelfIndex),
		quorum:         make(map[string]ledger.Vote),
		rebackoff:      newHigherBallotBackoff(),
		triggers:       make(chan struct{}, 1),
		retries:        make(chan struct{}, 1),
	}
}

// Triggers is read by the Event Dispatcher loop; a receive means
// InitiateBallot should be called now, from the dispatcher's own
// goroutine, for a genuine external trigger.
func (r *Replica) Triggers() <-chan struct{} { return r.triggers }

// RequestInitiateBallot asks the dispatcher to call InitiateBallot for an
// external trigger (a TSTP signal, an operator command). Safe to call
// from any goroutine; it never blocks and coalesces redundant requests.
func (r *Replica) RequestInitiateBallot() {
	select {
	case r.triggers <- struct{}{}:
	default:
	}
}

// RetryTriggers is read by the Event Dispatcher loop; a receive means
// RetryBallot should be called now. Unlike Triggers, these requests
// originate from receiveHigherBallot's own backoff timer, not from an
// external source.
func (r *Replica) RetryTriggers() <-chan struct{} { return r.retries }

// RequestRetryBallot asks the dispatcher to call RetryBallot after a
// HigherBallot backoff delay elapses. Safe to call from any goroutine
// (time.AfterFunc runs it on its own); it never blocks and coalesces
// redundant requests.
func (r *Replica) RequestRetryBallot() {
	select {
	case r.retries <- struct{}{}:
	default:
	}
}

func newHigherBallotBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = server.HigherBallotBackoffMin
	b.MaxInterval = server.HigherBallotBackoffMax
	b.MaxElapsedTime = 0 // never give up; Paxos has no deadline, only quiescence
	return b
}

// nextBallotID computes the smallest ballot number this replica may
// legally propose next (spec.md §4.3 "Ballot-number generation").
func (r *Replica) nextBallotID() int64 {
	lastTried := r.ledger.GetLastTried()
	var b int64
	if lastTried == ledger.SentinelBallotID {
		b = r.partitionIndex - r.n
	} else {
		b = lastTried
	}
	nextBal := r.ledger.GetNextBal()
	for nextBal > b {
		b += r.n
	}
	b += r.n
	return b
}

// InitiateBallot is the external trigger of spec.md §4.3/§6: a TSTP
// signal or an operator command, read off Triggers(). It always resets
// backoff, since a fresh external trigger is not held responsible for
// contention left over from a previous round.
func (r *Replica) InitiateBallot() {
	r.rebackoff.Reset()
	r.doInitiateBallot()
}

// RetryBallot is the self-driven re-initiation of spec.md §9's livelock
// fix, read off RetryTriggers() after receiveHigherBallot's backoff
// delay elapses. Unlike InitiateBallot, it must not reset backoff: the
// delay is only allowed to escalate across consecutive rounds of
// contention if each retry leaves it alone.
func (r *Replica) RetryBallot() {
	r.doInitiateBallot()
}

func (r *Replica) doInitiateBallot() {
	b := r.nextBallotID()
	r.ledger.SetLastTried(b)

	r.mu.Lock()
	r.hasStarted = false
	r.quorum = make(map[string]ledger.Vote)
	r.mu.Unlock()

	r.logger.Log("msg", "initiating ballot", "ballot", b)
	if r.metrics != nil {
		r.metrics.BallotInitiated()
	}
	r.cluster.Broadcast(message.Message{
		Method: message.NextBallot,
		Ballot: b,
		Sender: r.cluster.Self,
	})
}

// HandleMessage is the closed dispatch of spec.md §9's redesign note: a
// switch over the fixed Method enum, one case per wire message. An
// unknown Method value reaches the default case and is dropped; it is
// traced through server.DebugLog, which is a no-op unless -debug is set.
func (r *Replica) HandleMessage(msg message.Message) {
	if r.metrics != nil {
		r.metrics.MessageHandled(msg.Method)
	}
	switch msg.Method {
	case message.NextBallot:
		r.receiveNextBallot(msg)
	case message.LastVote:
		r.receiveLastVote(msg)
	case message.BeginBallot:
		r.receiveBeginBallot(msg)
	case message.Voted:
		r.receiveVoted(msg)
	case message.Success:
		r.receiveSuccess(msg)
	case message.HigherBallot:
		r.receiveHigherBallot(msg)
	default:
		server.DebugLog(r.logger, "msg", "discarding message of unknown method", "method", int(msg.Method))
	}
}

// receiveNextBallot is the acceptor role of the promise phase.
func (r *Replica) receiveNextBallot(msg message.Message) {
	nextBal := r.ledger.GetNextBal()
	if msg.Ballot <= nextBal {
		server.DebugLog(r.logger, "msg", "discarding stale NextBallot", "ballot", msg.Ballot, "next_bal", nextBal)
		r.sendHigherBallot(nextBal, msg.Sender)
		return
	}
	r.ledger.SetNextBal(msg.Ballot)
	prevVote := r.ledger.GetPrevVote()
	r.send(msg.Sender, message.Message{
		Method:       message.LastVote,
		Ballot:       msg.Ballot,
		VoteBallotID: prevVote.BallotID,
		Decree:       prevVote.Decree,
		Sender:       r.cluster.Self,
	})
}

func (r *Replica) sendHigherBallot(nextBal int64, receiver string) {
	r.send(receiver, message.Message{Method: message.HigherBallot, Ballot: nextBal})
}

func (r *Replica) send(peer string, msg message.Message) {
	go func() {
		if err := r.cluster.Send(peer, msg); err != nil {
			server.CheckWarn(fmt.Errorf("sending %s to %s: %w", msg.Method, peer, err), r.logger)
		}
	}()
}

// receiveLastVote is the proposer role collecting promises.
func (r *Replica) receiveLastVote(msg message.Message) {
	lastTried := r.ledger.GetLastTried()

	r.mu.Lock()
	if msg.Ballot != lastTried || r.hasStarted {
		r.mu.Unlock()
		server.DebugLog(r.logger, "msg", "discarding out-of-phase LastVote", "ballot", msg.Ballot, "last_tried", lastTried, "has_started", r.hasStarted)
		return
	}
	r.quorum[msg.Sender] = ledger.Vote{BallotID: msg.VoteBallotID, Decree: msg.Decree, Voter: msg.Sender}
	haveQuorum := int64(len(r.quorum))*2 > r.n
	var promises map[string]ledger.Vote
	if haveQuorum {
		r.hasStarted = true
		promises = make(map[string]ledger.Vote, len(r.quorum))
		for k, v := range r.quorum {
			promises[k] = v
		}
	}
	r.mu.Unlock()

	if haveQuorum {
		r.beginVotingPhase(lastTried, promises)
	}
}

// beginVotingPhase runs exactly once per ballot (spec.md §4.3 "Voting
// phase transition"), the instant a strict majority of LastVotes has
// arrived.
func (r *Replica) beginVotingPhase(ballot int64, promises map[string]ledger.Vote) {
	best := ledger.Vote{BallotID: ledger.SentinelBallotID}
	for _, v := range promises {
		if v.BallotID > best.BallotID {
			best = v
		}
	}

	var decree int64
	if best.BallotID >= 0 {
		decree = best.Decree
	} else {
		decree = r.propose(ballot)
	}

	r.logger.Log("msg", "quorum of promises reached, beginning ballot", "ballot", ballot, "decree", decree, "promisers", len(promises))
	for voter := range promises {
		r.send(voter, message.Message{
			Method: message.BeginBallot,
			Ballot: ballot,
			Decree: decree,
			Sender: r.cluster.Self,
		})
	}
}

// receiveBeginBallot is the acceptor role of the voting phase. Per
// spec.md §9's corrected behavior, a ballot this replica never promised
// (b > next_bal) is discarded, not voted on: voting here would be
// unsafe, since the replica might still promise and vote in a
// lower-numbered ballot it has not yet seen.
func (r *Replica) receiveBeginBallot(msg message.Message) {
	nextBal := r.ledger.GetNextBal()
	switch {
	case msg.Ballot < nextBal:
		r.sendHigherBallot(nextBal, msg.Sender)
		return
	case msg.Ballot > nextBal:
		server.DebugLog(r.logger, "msg", "discarding BeginBallot for a ballot never promised", "ballot", msg.Ballot, "next_bal", nextBal)
		return
	}

	r.ledger.SetPrevVote(ledger.Vote{BallotID: msg.Ballot, Decree: msg.Decree, Voter: r.cluster.Self})
	r.send(msg.Sender, message.Message{
		Method: message.Voted,
		Ballot: msg.Ballot,
		Decree: msg.Decree,
		Sender: r.cluster.Self,
	})
}

// receiveVoted is the proposer role collecting votes; the decree is
// chosen the instant every promiser has voted.
func (r *Replica) receiveVoted(msg message.Message) {
	lastTried := r.ledger.GetLastTried()

	r.mu.Lock()
	if msg.Ballot != lastTried {
		r.mu.Unlock()
		server.DebugLog(r.logger, "msg", "discarding out-of-phase Voted", "ballot", msg.Ballot, "last_tried", lastTried)
		return
	}
	delete(r.quorum, msg.Sender)
	done := len(r.quorum) == 0
	r.mu.Unlock()

	if done {
		r.logger.Log("msg", "all promisers voted, decree chosen", "ballot", msg.Ballot, "decree", msg.Decree)
		r.ledger.SetDecree(msg.Decree)
		if r.metrics != nil {
			r.metrics.DecreeLearned()
		}
		r.cluster.Broadcast(message.Message{Method: message.Success, Decree: msg.Decree})
	}
}

// receiveSuccess is the learner role: idempotent (spec.md §8 property 6).
func (r *Replica) receiveSuccess(msg message.Message) {
	r.ledger.SetDecree(msg.Decree)
	if r.metrics != nil {
		r.metrics.DecreeLearned()
	}
}

// receiveHigherBallot accelerates recovery by skipping last_tried
// forward past the obstructing ballot in one step (spec.md §4.3), then
// re-triggers RetryBallot after a backoff delay (the corrected behavior
// from spec.md §9's livelock open question — the source re-triggers
// unconditionally). The delay comes from rebackoff, which only
// RetryBallot leaves untouched, so the delay escalates across
// consecutive rounds of contention rather than resetting every time.
func (r *Replica) receiveHigherBallot(msg message.Message) {
	if r.metrics != nil {
		r.metrics.HigherBallot()
	}
	lastTried := r.ledger.GetLastTried()
	if lastTried >= msg.Ballot {
		server.DebugLog(r.logger, "msg", "discarding stale HigherBallot", "ballot", msg.Ballot, "last_tried", lastTried)
		return
	}

	lt := lastTried
	if lt == ledger.SentinelBallotID {
		lt = r.partitionIndex - r.n
	}
	for lt+r.n <= msg.Ballot {
		lt += r.n
	}
	r.ledger.SetLastTried(lt)

	delay := r.rebackoff.NextBackOff()
	r.logger.Log("msg", "received HigherBallot, will re-initiate", "ballot", msg.Ballot, "last_tried", lt, "delay", delay)
	if delay == backoff.Stop {
		return
	}
	time.AfterFunc(delay, r.RequestRetryBallot)
}

// Status renders a human-readable snapshot, following the
// Emit/Fork/Join idiom of status.StatusConsumer used throughout
// goshawkdb's Acceptor.Status/AcceptorDispatcher.Status.
func (r *Replica) Status(sc *status.StatusConsumer) {
	lastTried := r.ledger.GetLastTried()
	nextBal := r.ledger.GetNextBal()
	prevVote := r.ledger.GetPrevVote()
	decree, hasDecree := r.ledger.GetDecree()

	r.mu.Lock()
	hasStarted := r.hasStarted
	quorumSize := len(r.quorum)
	r.mu.Unlock()

	sc.Emit(fmt.Sprintf("Replica %s (partition %d of %d)", r.cluster.Self, r.partitionIndex, r.n))
	sc.Emit(fmt.Sprintf("- last_tried: %d", lastTried))
	sc.Emit(fmt.Sprintf("- next_bal: %d", nextBal))
	sc.Emit(fmt.Sprintf("- prev_vote: %+v", prevVote))
	if hasDecree {
		sc.Emit(fmt.Sprintf("- decree: %d", decree))
	} else {
		sc.Emit("- decree: (none)")
	}
	sc.Emit(fmt.Sprintf("- has_started: %v, quorum set size: %d", hasStarted, quorumSize))
}
