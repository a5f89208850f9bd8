package objstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

type memObject struct {
	content  []byte
	metadata map[string]string
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string]memObject

	// FailPing simulates an unreachable bucket.
	FailPing error
}

func NewMemStore() *MemStore {
	return &MemStore{objects: map[string]memObject{}}
}

func (m *MemStore) Ping(_ context.Context) error {
	return m.FailPing
}

func (m *MemStore) Put(_ context.Context, key string, content []byte, metadata map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	contentCopy := make([]byte, len(content))
	copy(contentCopy, content)

	metaCopy := map[string]string{}
	for k, v := range metadata {
		metaCopy[k] = v
	}

	m.objects[key] = memObject{content: contentCopy, metadata: metaCopy}

	return nil
}

func (m *MemStore) Get(_ context.Context, key string) ([]byte, map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	object, ok := m.objects[key]
	if !ok {
		return nil, nil, errors.Wrap(ErrObjectNotFound, key)
	}

	return object.content, object.metadata, nil
}

func (m *MemStore) Head(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.objects[key]

	return ok, nil
}

func (m *MemStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := []string{}

	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)

	return keys, nil
}

func (m *MemStore) Copy(_ context.Context, srcKey, dstKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.objects[srcKey]
	if !ok {
		return errors.Wrap(ErrObjectNotFound, srcKey)
	}

	contentCopy := make([]byte, len(src.content))
	copy(contentCopy, src.content)

	metaCopy := map[string]string{}
	for k, v := range src.metadata {
		metaCopy[k] = v
	}

	m.objects[dstKey] = memObject{content: contentCopy, metadata: metaCopy}

	return nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, key)

	return nil
}
