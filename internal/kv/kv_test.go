package kv

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_PutGetDelete(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "a", []byte("1")))
	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting a missing key is a no-op.
	assert.NoError(t, s.Delete(ctx, "a"))
}

func TestMemory_ListPrefixOrder(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	keys := []string{
		"dmq:F1:ag_b:0003:msg_c",
		"dmq:F1:ag_b:0001:msg_a",
		"dmq:F1:ag_b:0002:msg_b",
		"dmq:F1:ag_x:0001:msg_d",
		"dmq:F2:ag_b:0001:msg_e",
	}
	for _, k := range keys {
		require.NoError(t, s.Put(ctx, k, []byte(k)))
	}

	entries, err := s.List(ctx, "dmq:F1:ag_b:")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "dmq:F1:ag_b:0001:msg_a", entries[0].Key)
	assert.Equal(t, "dmq:F1:ag_b:0002:msg_b", entries[1].Key)
	assert.Equal(t, "dmq:F1:ag_b:0003:msg_c", entries[2].Key)

	entries, err = s.List(ctx, "dmq:F3:")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemory_UpdateSerialized(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	// 50 concurrent increments must all land.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(ctx, "counter", func(current []byte) ([]byte, error) {
				n := 0
				if current != nil {
					fmt.Sscanf(string(current), "%d", &n)
				}
				return []byte(fmt.Sprintf("%d", n+1)), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	v, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, "50", string(v))
}

func TestMemory_UpdateDeleteAndError(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "k", []byte("v")))

	// Returning nil deletes.
	require.NoError(t, s.Update(ctx, "k", func([]byte) ([]byte, error) { return nil, nil }))
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)

	// fn error aborts without writing.
	wantErr := fmt.Errorf("boom")
	err = s.Update(ctx, "k", func([]byte) ([]byte, error) { return nil, wantErr })
	assert.ErrorIs(t, err, wantErr)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}
