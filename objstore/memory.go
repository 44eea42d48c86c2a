package objstore

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation with full conditional-PUT
// semantics. It is intended for tests and local experimentation.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	nextVer uint64
}

type memObject struct {
	data    []byte
	version Version
	modTime time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memObject)}
}

func (s *MemoryStore) bumpVersion() Version {
	s.nextVer++
	return Version("v" + strconv.FormatUint(s.nextVer, 10))
}

// Get returns a copy of the object content and its current version.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, VersionAbsent, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, VersionAbsent, ErrNotFound
	}

	data := make([]byte, len(obj.data))
	copy(data, obj.data)
	return data, obj.version, nil
}

// GetRange returns a copy of the requested byte range.
func (s *MemoryStore) GetRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return nil, ErrNotFound
	}

	size := int64(len(obj.data))
	if offset < 0 || offset > size {
		return nil, ErrNotFound
	}
	end := size
	if length >= 0 && offset+length < size {
		end = offset + length
	}

	data := make([]byte, end-offset)
	copy(data, obj.data[offset:end])
	return data, nil
}

// Put stores a copy of data under key, replacing any existing object.
func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) (Version, error) {
	if err := ctx.Err(); err != nil {
		return VersionAbsent, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.store(key, data), nil
}

// PutIf stores data only if the current version of key equals expected.
func (s *MemoryStore) PutIf(ctx context.Context, key string, data []byte, expected Version) (Version, error) {
	if err := ctx.Err(); err != nil {
		return VersionAbsent, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	obj, exists := s.objects[key]
	if expected == VersionAbsent {
		if exists {
			return VersionAbsent, ErrPreconditionFailed
		}
	} else if !exists || obj.version != expected {
		return VersionAbsent, ErrPreconditionFailed
	}

	return s.store(key, data), nil
}

func (s *MemoryStore) store(key string, data []byte) Version {
	cp := make([]byte, len(data))
	copy(cp, data)
	ver := s.bumpVersion()
	s.objects[key] = memObject{data: cp, version: ver, modTime: time.Now()}
	return ver
}

// List returns all keys with the given prefix in lexical order.
func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the object. Missing keys are ignored.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.objects, key)
	return nil
}

// Stat returns size and version of the object.
func (s *MemoryStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[key]
	if !ok {
		return ObjectInfo{}, ErrNotFound
	}
	return ObjectInfo{Key: key, Size: int64(len(obj.data)), Version: obj.version, ModTime: obj.modTime}, nil
}

// Len returns the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
