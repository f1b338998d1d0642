package model

import "time"

// SegmentInfo describes a WAL segment file
type SegmentInfo struct {
	ID       uint64
	Path     string
	FirstSeq uint64
	LastSeq  uint64
	Records  int
	Sealed   bool
	Size     int64
}

// DatafileMetadata is a point-in-time view of one datafile's counters
type DatafileMetadata struct {
	ID           uint64
	CollectionID uint64
	Path         string
	Sealed       bool
	Records      int64
	Dead         int64
	DeadDeletion int64
	Size         int64
	Replaces     []uint64
}

// Live returns the number of records not tombstoned
func (m DatafileMetadata) Live() int64 {
	return m.Records - m.Dead
}

// DeadRatio returns dead/records, or 1 for an empty datafile
func (m DatafileMetadata) DeadRatio() float64 {
	if m.Records == 0 {
		return 1
	}
	return float64(m.Dead) / float64(m.Records)
}

// CompactionJob represents a compaction task for one collection
type CompactionJob struct {
	JobID        string
	CollectionID uint64
	Collection   string
	Inputs       []uint64
	StartedAt    time.Time
	Status       CompactionStatus
}

// CompactionStatus indicates the state of a compaction job
type CompactionStatus string

const (
	CompactionStatusPending   CompactionStatus = "pending"
	CompactionStatusRunning   CompactionStatus = "running"
	CompactionStatusCompleted CompactionStatus = "completed"
	CompactionStatusFailed    CompactionStatus = "failed"
)

// Figures are the observable counters of a collection. They are derived
// from tombstone bits and file existence and may trail the watermark.
type Figures struct {
	Alive struct {
		Count int64
	}
	Dead struct {
		Count    int64
		Deletion int64
	}
	Datafiles struct {
		Count int
	}
	Journals struct {
		Count int
	}
	Documents   int64
	Uncollected int
	Watermark   uint64
}

// RecoveryReport summarizes what startup recovery found and did
type RecoveryReport struct {
	Collections         int
	SegmentsScanned     int
	SegmentsReplayed    int
	SegmentsDiscarded   int
	RecordsReplayed     int
	RecordsSkipped      int
	Corruptions         int
	OrphanedCompactions int
	CompletedSwaps      int
	StaleRecordsRetired int
	DroppedCollections  int
	CleanShutdown       bool
	NextSequence        uint64
	NextSegmentID       uint64
	Duration            time.Duration
}
