package rebuild

import "time"

// Stats reports a rebuild job's progress. It is a snapshot, safe to read
// at any time via Job.Stats.
type Stats struct {
	BlocksTotal       uint64
	BlocksRecovered   uint64
	BlocksTransferred uint64
	BlocksRemaining   uint64
	Progress          float64 // percent, 0-100
	BlocksPerTask     uint64
	BlockSize         uint64
	TasksTotal        int
	TasksActive       int
	StartTime         time.Time
	IsPartial         bool
}

// HistoryRecord is an immutable snapshot of a finished rebuild job. The
// nexus retains a bounded number of them.
type HistoryRecord struct {
	NexusName string
	SrcURI    string
	DstURI    string
	State     State
	StartTime time.Time
	EndTime   time.Time
	Stats     Stats
	Partial   bool
}
