package server

import "time"

const (
	ProductName = "legislator"
	Version     = "dev"

	// DefaultPort is not substituted by the configuration loader: a peer
	// entry without a port is rejected as having an illegal port.
	DefaultPort = 17171

	// LedgerInitialSize is not passed to bbolt: ledger.Open uses bbolt's
	// default options, so the mmap starts at bbolt's own initial size.
	LedgerInitialSize = 1 << 20

	HigherBallotBackoffMin = 10 * time.Millisecond
	HigherBallotBackoffMax = 2 * time.Second

	StatusRMId = "RMId"
)
