package store

import (
	"maps"
	"slices"
	"sync"

	"github.com/ValentinKolb/dRep/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("store")

// collection holds the things of one collection
type collection struct {
	name   string
	things map[uint64]Thing
}

// Store is the in-memory IStore. Writes come from the event loop, the
// maintenance worker reads it while saving a snapshot.
type Store struct {
	mu          sync.RWMutex
	collections map[uint64]*collection
}

var _ IStore = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{collections: map[uint64]*collection{}}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store.IStore)
// --------------------------------------------------------------------------

func (s *Store) Apply(scope, thing uint64, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if scope == RootScope {
		return s.applyRoot(thing, job)
	}

	c, ok := s.collections[scope]
	if !ok {
		return common.NewError(common.CodeLookup, "collection %d not found", scope)
	}

	switch job.Type {
	case JobNew:
		if _, exists := c.things[thing]; exists {
			return common.NewError(common.CodeLookup, "thing %d already exists in collection `%s`", thing, c.name)
		}
		c.things[thing] = Thing{}
	case JobSet:
		t, exists := c.things[thing]
		if !exists {
			return common.NewError(common.CodeLookup, "thing %d not found in collection `%s`", thing, c.name)
		}
		t[job.Key] = slices.Clone(job.Value)
	case JobDel:
		t, exists := c.things[thing]
		if !exists {
			return common.NewError(common.CodeLookup, "thing %d not found in collection `%s`", thing, c.name)
		}
		delete(t, job.Key)
	case JobDrop:
		if _, exists := c.things[thing]; !exists {
			return common.NewError(common.CodeLookup, "thing %d not found in collection `%s`", thing, c.name)
		}
		delete(c.things, thing)
	default:
		return common.NewError(common.CodeBadData, "job `%s` is not allowed in a collection", job.Type)
	}
	return nil
}

func (s *Store) applyRoot(id uint64, job Job) error {
	switch job.Type {
	case JobNewCollection:
		if id == RootScope {
			return common.NewError(common.CodeBadData, "collection id 0 is reserved")
		}
		if _, exists := s.collections[id]; exists {
			return common.NewError(common.CodeLookup, "collection %d already exists", id)
		}
		for _, c := range s.collections {
			if c.name == job.Key {
				return common.NewError(common.CodeLookup, "collection `%s` already exists", job.Key)
			}
		}
		s.collections[id] = &collection{name: job.Key, things: map[uint64]Thing{}}
		Logger.Infof("Created collection `%s` (%d)", job.Key, id)
	case JobDelCollection:
		c, exists := s.collections[id]
		if !exists {
			return common.NewError(common.CodeLookup, "collection %d not found", id)
		}
		delete(s.collections, id)
		Logger.Infof("Deleted collection `%s` (%d)", c.name, id)
	default:
		return common.NewError(common.CodeBadData, "job `%s` is not handled by the store", job.Type)
	}
	return nil
}

func (s *Store) HasScope(scope uint64) bool {
	if scope == RootScope {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[scope]
	return ok
}

func (s *Store) Get(scope, thing uint64) (Thing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[scope]
	if !ok {
		return nil, false
	}
	t, ok := c.things[thing]
	if !ok {
		return nil, false
	}
	out := make(Thing, len(t))
	for k, v := range t {
		out[k] = slices.Clone(v)
	}
	return out, true
}

func (s *Store) Collections() []CollectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]CollectionInfo, 0, len(s.collections))
	for _, id := range slices.Sorted(maps.Keys(s.collections)) {
		c := s.collections[id]
		out = append(out, CollectionInfo{ID: id, Name: c.name, Things: len(c.things)})
	}
	return out
}

// CollectionByName returns the id of the collection called name
func (s *Store) CollectionByName(name string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, c := range s.collections {
		if c.name == name {
			return id, true
		}
	}
	return 0, false
}

// NextCollectionID returns an id no collection uses yet
func (s *Store) NextCollectionID() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var next uint64 = 1
	for id := range s.collections {
		if id >= next {
			next = id + 1
		}
	}
	return next
}
