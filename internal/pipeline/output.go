package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/namus-crawler/internal/namus"
)

// Record is one fetched case body.
type Record struct {
	ID   namus.RecordID
	Body namus.RecordBody
}

// RecordFailure is an identifier whose body could not be fetched.
type RecordFailure struct {
	ID  namus.RecordID
	Err error
}

// PartitionFailure is a partition whose search failed. None of its
// identifiers reached the second stage.
type PartitionFailure struct {
	Partition namus.Partition
	Err       error
}

// Output is everything a finished run produced. Every discovered partition is
// either a search success or in FailedPartitions, and every collected
// identifier is in exactly one of Records or FailedRecords.
type Output struct {
	RunID            uuid.UUID
	Category         namus.Category
	Partitions       []namus.Partition
	Identifiers      int
	Records          []Record
	FailedRecords    []RecordFailure
	FailedPartitions []PartitionFailure
	PeakConcurrency  int
	StartedAt        time.Time
	FinishedAt       time.Time
}
