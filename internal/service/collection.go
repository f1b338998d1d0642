package service

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/model"
	"github.com/devrev/pairdb/docstore/internal/storage/index"
)

// indexEntry is where the collected revision of a key lives
type indexEntry struct {
	Sequence uint64
	Revision uint64
	Location model.Location
}

// Collection is a named set of documents. The index holds collected
// documents; pending holds operations that are logged but not yet
// collected. Both are guarded by mu.
//
// Lock order: writeMu, then maint, then mu, then the datafile arena.
type Collection struct {
	id        uint64
	name      string
	dir       string
	createdAt time.Time

	mu      sync.RWMutex
	index   *index.SkipList[indexEntry]
	pending map[string]*model.Operation

	// writeMu serializes the existence check and append of client writes
	writeMu sync.Mutex
	// maint is held by the collector and the compactor while they mutate
	// datafiles
	maint sync.Mutex

	watermark atomic.Uint64
	// applied is the highest sequence applied to the datafiles in this
	// process, which may run ahead of the durable watermark. The collector
	// advances it under mu.
	applied atomic.Uint64
	dropped atomic.Bool

	datafiles *DatafileService
}

func newCollection(params collectionParameters, dir string, datafiles *DatafileService) *Collection {
	return &Collection{
		id:        params.ID,
		name:      params.Name,
		dir:       dir,
		createdAt: params.CreatedAt,
		index:     index.NewSkipList[indexEntry](),
		pending:   make(map[string]*model.Operation),
		datafiles: datafiles,
	}
}

func (c *Collection) ID() uint64           { return c.id }
func (c *Collection) Name() string         { return c.name }
func (c *Collection) Dir() string          { return c.dir }
func (c *Collection) CreatedAt() time.Time { return c.createdAt }

// Watermark returns the durable collected-up-to sequence number
func (c *Collection) Watermark() uint64 {
	return c.watermark.Load()
}

func (c *Collection) setWatermark(seq uint64) {
	c.watermark.Store(seq)
	if seq > c.applied.Load() {
		c.applied.Store(seq)
	}
}

// setPending records a logged operation. An operation never replaces a
// newer one for the same key, so the highest sequence wins regardless of
// the order appenders reach this point. An operation the collector has
// already applied is not pending anymore.
func (c *Collection) setPending(op *model.Operation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if op.Sequence <= c.applied.Load() {
		return
	}
	if e, ok := c.index.Get(op.Key); ok && e.Sequence >= op.Sequence {
		return
	}
	if cur, ok := c.pending[op.Key]; ok && cur.Sequence >= op.Sequence {
		return
	}
	c.pending[op.Key] = op
}

// clearPendingLocked drops the pending entry of key once the collected
// state has caught up with it. Caller holds mu.
func (c *Collection) clearPendingLocked(key string, seq uint64) {
	if cur, ok := c.pending[key]; ok && cur.Sequence <= seq {
		delete(c.pending, key)
	}
}

func (c *Collection) entry(key string) (indexEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.index.Get(key)
}

// Lookup returns the current revision of key
func (c *Collection) Lookup(key string) (*model.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if op, ok := c.pending[key]; ok {
		if op.Type == model.OperationRemove {
			return nil, errors.KeyNotFound(c.name, key)
		}
		return &model.Document{
			Key:         key,
			Revision:    op.EffectiveRevision(),
			Sequence:    op.Sequence,
			Payload:     op.Payload,
			Uncollected: true,
		}, nil
	}

	e, ok := c.index.Get(key)
	if !ok {
		return nil, errors.KeyNotFound(c.name, key)
	}
	rec, err := c.datafiles.Read(c.id, e.Location)
	if err != nil {
		return nil, err
	}
	return &model.Document{
		Key:      key,
		Revision: e.Revision,
		Sequence: e.Sequence,
		Payload:  rec.Payload,
		Location: e.Location,
	}, nil
}

// Exists reports whether key is visible
func (c *Collection) Exists(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.existsLocked(key)
}

func (c *Collection) existsLocked(key string) bool {
	if op, ok := c.pending[key]; ok {
		return op.Type != model.OperationRemove
	}
	_, ok := c.index.Get(key)
	return ok
}

// Count returns the number of visible documents
func (c *Collection) Count() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := int64(c.index.Len())
	for key, op := range c.pending {
		_, collected := c.index.Get(key)
		switch {
		case op.Type == model.OperationRemove && collected:
			n--
		case op.Type != model.OperationRemove && !collected:
			n++
		}
	}
	return n
}

// Keys returns the visible keys in ascending order
func (c *Collection) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, c.index.Len()+len(c.pending))
	c.index.Ascend(func(key string, _ indexEntry) bool {
		if op, ok := c.pending[key]; !ok || op.Type != model.OperationRemove {
			keys = append(keys, key)
		}
		return true
	})

	var extra bool
	for key, op := range c.pending {
		if op.Type == model.OperationRemove {
			continue
		}
		if _, collected := c.index.Get(key); !collected {
			keys = append(keys, key)
			extra = true
		}
	}
	if extra {
		sort.Strings(keys)
	}
	return keys
}

// Uncollected returns the number of keys with a pending operation
func (c *Collection) Uncollected() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}
