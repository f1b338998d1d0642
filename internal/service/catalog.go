package service

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/devrev/pairdb/docstore/internal/errors"
	"github.com/devrev/pairdb/docstore/internal/util"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const (
	engineFileName     = "ENGINE"
	parametersFileName = "parameter.yaml"
	formatVersion      = 1
)

type engineFile struct {
	FormatVersion    int    `yaml:"format_version"`
	NextCollectionID uint64 `yaml:"next_collection_id"`
}

type collectionParameters struct {
	ID        uint64    `yaml:"id"`
	Name      string    `yaml:"name"`
	CreatedAt time.Time `yaml:"created_at"`
	Dropped   bool      `yaml:"dropped"`
}

// catalog maps collection names and ids to collections and persists the
// collection id allocator. Dropped ids are never reused.
type catalog struct {
	dataDir        string
	collectionsDir string
	logger         *zap.Logger

	mu     sync.RWMutex
	byName map[string]*Collection
	byID   map[uint64]*Collection
	nextID uint64
}

// loadCatalog reads ENGINE and the parameters of every collection
// directory. Directories of dropped collections, and directories whose
// creation never completed, are removed.
func loadCatalog(dataDir, collectionsDir string, logger *zap.Logger) (*catalog, []collectionParameters, int, error) {
	c := &catalog{
		dataDir:        dataDir,
		collectionsDir: collectionsDir,
		logger:         logger,
		byName:         make(map[string]*Collection),
		byID:           make(map[uint64]*Collection),
		nextID:         1,
	}

	data, err := os.ReadFile(filepath.Join(dataDir, engineFileName))
	switch {
	case os.IsNotExist(err):
		if err := c.writeEngineFile(); err != nil {
			return nil, nil, 0, err
		}
	case err != nil:
		return nil, nil, 0, errors.TransientIO("failed to read engine file", err)
	default:
		var ef engineFile
		if err := yaml.Unmarshal(data, &ef); err != nil {
			return nil, nil, 0, errors.Corruption("engine file is damaged", err)
		}
		if ef.FormatVersion != formatVersion {
			return nil, nil, 0, errors.InvariantViolation(
				fmt.Sprintf("unsupported engine format version %d", ef.FormatVersion))
		}
		if ef.NextCollectionID > c.nextID {
			c.nextID = ef.NextCollectionID
		}
	}

	entries, err := os.ReadDir(collectionsDir)
	if err != nil {
		return nil, nil, 0, errors.TransientIO("failed to list collections", err)
	}

	var live []collectionParameters
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := strconv.ParseUint(entry.Name(), 10, 64)
		if err != nil {
			continue
		}
		dir := filepath.Join(collectionsDir, entry.Name())

		params, err := readParameters(dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, nil, 0, err
		}
		if err != nil || params.Dropped {
			logger.Info("Removing dropped collection directory",
				zap.Uint64("collection_id", id),
				zap.Bool("incomplete_create", err != nil))
			if err := os.RemoveAll(dir); err != nil {
				return nil, nil, 0, errors.TransientIO("failed to remove dropped collection", err)
			}
			removed++
			continue
		}
		if params.ID != id {
			return nil, nil, 0, errors.InvariantViolation(
				fmt.Sprintf("collection directory %s holds parameters of collection %d", dir, params.ID))
		}
		if id >= c.nextID {
			c.nextID = id + 1
		}
		live = append(live, params)
	}
	if removed > 0 {
		if err := util.SyncDir(collectionsDir); err != nil {
			return nil, nil, 0, errors.TransientIO("failed to sync collections directory", err)
		}
	}

	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })
	return c, live, removed, nil
}

func readParameters(dir string) (collectionParameters, error) {
	var params collectionParameters
	data, err := os.ReadFile(filepath.Join(dir, parametersFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return params, err
		}
		return params, errors.TransientIO("failed to read collection parameters", err).WithDetail("dir", dir)
	}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return params, errors.Corruption("collection parameters are damaged", err).WithDetail("dir", dir)
	}
	return params, nil
}

func writeParameters(dir string, params collectionParameters) error {
	data, err := yaml.Marshal(params)
	if err != nil {
		return errors.InternalError("failed to encode collection parameters", err)
	}
	if err := util.WriteFileAtomic(filepath.Join(dir, parametersFileName), data, 0644); err != nil {
		return errors.TransientIO("failed to write collection parameters", err).WithDetail("dir", dir)
	}
	return nil
}

// writeEngineFile persists the id allocator. Caller holds mu or has
// exclusive access.
func (c *catalog) writeEngineFile() error {
	data, err := yaml.Marshal(engineFile{FormatVersion: formatVersion, NextCollectionID: c.nextID})
	if err != nil {
		return errors.InternalError("failed to encode engine file", err)
	}
	if err := util.WriteFileAtomic(filepath.Join(c.dataDir, engineFileName), data, 0644); err != nil {
		return errors.TransientIO("failed to write engine file", err)
	}
	return nil
}

func (c *catalog) dirOf(id uint64) string {
	return filepath.Join(c.collectionsDir, strconv.FormatUint(id, 10))
}

// create allocates an id and lays out the collection directory. The id is
// persisted before the directory exists, so a crash can waste an id but
// never hand it out twice.
func (c *catalog) create(name string) (collectionParameters, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byName[name]; ok {
		return collectionParameters{}, "", errors.CollectionExists(name)
	}

	params := collectionParameters{
		ID:        c.nextID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}
	c.nextID++
	if err := c.writeEngineFile(); err != nil {
		c.nextID--
		return collectionParameters{}, "", err
	}

	dir := c.dirOf(params.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return collectionParameters{}, "", errors.TransientIO("failed to create collection directory", err)
	}
	if err := writeParameters(dir, params); err != nil {
		return collectionParameters{}, "", err
	}
	if err := util.SyncDir(c.collectionsDir); err != nil {
		return collectionParameters{}, "", errors.TransientIO("failed to sync collections directory", err)
	}
	return params, dir, nil
}

func (c *catalog) register(coll *Collection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[coll.name] = coll
	c.byID[coll.id] = coll
}

func (c *catalog) forget(coll *Collection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byName[coll.name] == coll {
		delete(c.byName, coll.name)
	}
	delete(c.byID, coll.id)
}

// markDropped persists the dropped flag. Recovery finishes the drop if the
// directory is still there.
func (c *catalog) markDropped(coll *Collection) error {
	return writeParameters(coll.dir, collectionParameters{
		ID:        coll.id,
		Name:      coll.name,
		CreatedAt: coll.createdAt,
		Dropped:   true,
	})
}

func (c *catalog) get(name string) (*Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	coll, ok := c.byName[name]
	return coll, ok
}

func (c *catalog) getByID(id uint64) (*Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	coll, ok := c.byID[id]
	return coll, ok
}

// list returns the collections ordered by id
func (c *catalog) list() []*Collection {
	c.mu.RLock()
	out := make([]*Collection, 0, len(c.byID))
	for _, coll := range c.byID {
		out = append(out, coll)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
