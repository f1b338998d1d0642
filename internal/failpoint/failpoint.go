// Package failpoint defines named checkpoints inside background maintenance
// passes. Production code runs with Nop; tests install an armable injector to
// stop a pass at a checkpoint and then simulate a process crash.
package failpoint

import "errors"

// Checkpoint names
const (
	// CollectorMarkedDone is reached once a collection's share of a segment has
	// been applied and the datafiles are durable, before the watermark moves.
	CollectorMarkedDone = "collector-finished-marking-deletions"
	// CollectorWatermarked is reached after the watermark is durable, before
	// the segment file is removed.
	CollectorWatermarked = "collector-watermark-written"
	// CompactorWritten is reached after the compaction output is sealed and
	// fsynced under its temporary name.
	CompactorWritten = "compactor-output-written"
	// CompactorRenamed is reached after the output is renamed into place,
	// before the inputs are removed.
	CompactorRenamed = "compactor-output-renamed"
)

// ErrTerminated is returned by an armed checkpoint. The caller abandons the
// current pass without performing any step that follows the checkpoint.
var ErrTerminated = errors.New("failpoint: terminated at checkpoint")

// Injector is consulted at every named checkpoint
type Injector interface {
	Hit(name string) error
}

// Nop never fires
type Nop struct{}

// Hit implements Injector
func (Nop) Hit(string) error { return nil }

// IsTerminated reports whether err came from an armed checkpoint
func IsTerminated(err error) bool {
	return errors.Is(err, ErrTerminated)
}
