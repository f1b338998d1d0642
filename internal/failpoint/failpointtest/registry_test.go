package failpointtest

import (
	"testing"

	"github.com/devrev/pairdb/docstore/internal/failpoint"
	"github.com/stretchr/testify/assert"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	assert.NoError(t, r.Hit(failpoint.CollectorMarkedDone))
	assert.Equal(t, 0, r.Hits(failpoint.CollectorMarkedDone))

	r.Enable(failpoint.CollectorMarkedDone)
	err := r.Hit(failpoint.CollectorMarkedDone)
	assert.True(t, failpoint.IsTerminated(err))
	assert.NoError(t, r.Hit(failpoint.CompactorWritten))
	assert.Equal(t, 1, r.Hits(failpoint.CollectorMarkedDone))

	r.Disable(failpoint.CollectorMarkedDone)
	assert.NoError(t, r.Hit(failpoint.CollectorMarkedDone))

	r.Enable(failpoint.CompactorWritten)
	r.Enable(failpoint.CompactorRenamed)
	r.Clear()
	assert.NoError(t, r.Hit(failpoint.CompactorWritten))
	assert.NoError(t, r.Hit(failpoint.CompactorRenamed))
}

func TestNop(t *testing.T) {
	assert.NoError(t, failpoint.Nop{}.Hit(failpoint.CollectorMarkedDone))
}
