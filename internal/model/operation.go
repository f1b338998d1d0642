package model

import "fmt"

// OperationType is the kind of client mutation carried by a WAL record
type OperationType uint8

const (
	OperationInsert OperationType = 1
	OperationUpdate OperationType = 2
	OperationRemove OperationType = 3
)

func (t OperationType) String() string {
	switch t {
	case OperationInsert:
		return "insert"
	case OperationUpdate:
		return "update"
	case OperationRemove:
		return "remove"
	default:
		return fmt.Sprintf("operation(%d)", uint8(t))
	}
}

// Valid reports whether t names a client operation
func (t OperationType) Valid() bool {
	return t == OperationInsert || t == OperationUpdate || t == OperationRemove
}

// Operation is a single logged mutation. Immutable once appended.
// Sequence is assigned by the commit log; Revision defaults to Sequence.
type Operation struct {
	Type         OperationType
	CollectionID uint64
	Key          string
	Revision     uint64
	Payload      []byte
	Sequence     uint64
}

// EffectiveRevision returns the revision, falling back to the sequence number
func (o *Operation) EffectiveRevision() uint64 {
	if o.Revision != 0 {
		return o.Revision
	}
	return o.Sequence
}

// Location addresses a document record inside a collection's datafile arena.
// DatafileID zero never names a datafile.
type Location struct {
	DatafileID uint64
	Offset     int64
}

// IsZero reports whether the location is unset
func (l Location) IsZero() bool {
	return l.DatafileID == 0
}

func (l Location) String() string {
	return fmt.Sprintf("df-%d@%d", l.DatafileID, l.Offset)
}

// Document is the result of a key lookup
type Document struct {
	Key      string
	Revision uint64
	Sequence uint64
	Payload  []byte
	Location Location
	// Uncollected is set when the document is served from the log tail
	// rather than from a datafile.
	Uncollected bool
}
