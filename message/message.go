// Package message defines the wire envelope for the six-message Paxos
// protocol (spec.md §4.2, §6). The source's dispatch read as a
// string-keyed if/else chain on Message::get_method() (see
// original_source/src/legislator/legislator.cc's handle_message); per
// spec.md §9's redesign note we replace that with a closed Go enum, so a
// misspelled method is a compile error rather than a silently dropped
// message. Dispatch on it is the switch in paxos.Replica.HandleMessage.
package message

import "fmt"

// Method is the closed set of protocol message kinds.
type Method int

const (
	NextBallot Method = iota
	LastVote
	BeginBallot
	Voted
	Success
	HigherBallot
)

func (m Method) String() string {
	switch m {
	case NextBallot:
		return "NextBallot"
	case LastVote:
		return "LastVote"
	case BeginBallot:
		return "BeginBallot"
	case Voted:
		return "Voted"
	case Success:
		return "Success"
	case HigherBallot:
		return "HigherBallot"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// Message is a short-lived value record carrying one protocol step.
// Fields unused by a given Method are left zero; see the table in
// spec.md §6 for which fields each Method populates.
type Message struct {
	Method Method

	// Sender is the peer name that originated the message. Populated on
	// every method except Success and HigherBallot, which need no reply
	// path.
	Sender string

	Ballot       int64
	VoteBallotID int64 // LastVote only: the ballot_id of the sender's prev_vote
	Decree       int64
}

func (m Message) String() string {
	switch m.Method {
	case NextBallot:
		return fmt.Sprintf("NextBallot(%d) from %s", m.Ballot, m.Sender)
	case LastVote:
		return fmt.Sprintf("LastVote(%d, %d, %d) from %s", m.Ballot, m.VoteBallotID, m.Decree, m.Sender)
	case BeginBallot:
		return fmt.Sprintf("BeginBallot(%d, %d) from %s", m.Ballot, m.Decree, m.Sender)
	case Voted:
		return fmt.Sprintf("Voted(%d, %d) from %s", m.Ballot, m.Decree, m.Sender)
	case Success:
		return fmt.Sprintf("Success(%d)", m.Decree)
	case HigherBallot:
		return fmt.Sprintf("HigherBallot(%d)", m.Ballot)
	default:
		return fmt.Sprintf("unknown message %#v", m)
	}
}
