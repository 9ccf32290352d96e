package shard

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type counter struct {
	key string
}

func TestGetCreatesOncePerKey(t *testing.T) {
	var created atomic.Int32
	m := New(func(key string) *counter {
		created.Add(1)
		return &counter{key: key}
	})

	var wg sync.WaitGroup
	results := make([]*counter, 32)
	for i := range results {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx] = m.Get("project-1")
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	for _, item := range results {
		assert.Same(t, results[0], item)
	}
}

func TestLookupAndKeys(t *testing.T) {
	m := New(func(key string) *counter { return &counter{key: key} })

	_, ok := m.Lookup("b")
	assert.False(t, ok)

	m.Get("b")
	m.Get("a")
	item, ok := m.Lookup("b")
	assert.True(t, ok)
	assert.Equal(t, "b", item.key)
	assert.Equal(t, []string{"a", "b"}, m.Keys())
}
