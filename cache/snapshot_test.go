package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/owdns/owdns/ecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_SnapshotRoundTrip(t *testing.T) {
	c := New(16)
	now := time.Now().Truncate(time.Second)
	c.now = func() time.Time { return now }

	scoped := ScopeFor(net.ParseIP("192.0.2.0"), ecs.FamilyIPv4, 24)

	c.Put(question("a.test"), EmptyScope, NewEntry(testAnswer("a.test", 300, "192.0.2.1"), now, 300*time.Second))
	c.Put(question("b.test"), scoped, NewEntry(testAnswer("b.test", 300, "192.0.2.2"), now, 300*time.Second))
	c.Put(question("c.test"), EmptyScope, NewEntry(testAnswer("c.test", 0, "192.0.2.3"), now, 60*time.Second))

	var buf bytes.Buffer
	require.NoError(t, c.Snapshot(&buf, 0))

	restored := New(16)
	restored.now = c.now
	require.NoError(t, restored.Restore(&buf, false))

	assert.Equal(t, 3, restored.Len())

	// scoped entry still answers only matching clients
	_, ok := restored.Get(question("b.test"), net.ParseIP("192.0.2.9"))
	assert.True(t, ok)
	_, ok = restored.Get(question("b.test"), net.ParseIP("203.0.113.9"))
	assert.False(t, ok)

	e, ok := restored.Get(question("a.test"), nil)
	require.True(t, ok)
	assert.Equal(t, now, e.CreatedAt)
	assert.Equal(t, now.Add(300*time.Second), e.ExpiresAt)
}

func Test_SnapshotPreservesLRUOrder(t *testing.T) {
	c := New(16)
	now := time.Now()
	c.now = func() time.Time { return now }

	for _, name := range []string{"a.test", "b.test", "c.test"} {
		c.Put(question(name), EmptyScope, NewEntry(testAnswer(name, 300, "192.0.2.1"), now, 300*time.Second))
	}
	c.Get(question("a.test"), nil) // a is now MRU

	var buf bytes.Buffer
	require.NoError(t, c.Snapshot(&buf, 0))

	// restore into a cache of capacity 2: the LRU tail ("b.test") is evicted
	restored := New(2)
	restored.now = c.now
	require.NoError(t, restored.Restore(&buf, false))

	assert.Equal(t, 2, restored.Len())
	_, ok := restored.Get(question("a.test"), nil)
	assert.True(t, ok)
	_, ok = restored.Get(question("c.test"), nil)
	assert.True(t, ok)
	_, ok = restored.Get(question("b.test"), nil)
	assert.False(t, ok)
}

func Test_SnapshotMaxItems(t *testing.T) {
	c := New(16)
	now := time.Now()
	c.now = func() time.Time { return now }

	for _, name := range []string{"a.test", "b.test", "c.test"} {
		c.Put(question(name), EmptyScope, NewEntry(testAnswer(name, 300, "192.0.2.1"), now, 300*time.Second))
	}

	var buf bytes.Buffer
	require.NoError(t, c.Snapshot(&buf, 2))

	restored := New(16)
	restored.now = c.now
	require.NoError(t, restored.Restore(&buf, false))

	assert.Equal(t, 2, restored.Len())
	_, ok := restored.Get(question("a.test"), nil)
	assert.False(t, ok, "LRU tail should be truncated from the snapshot")
}

func Test_SnapshotSkipsExpiredOnLoad(t *testing.T) {
	c := New(16)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put(question("live.test"), EmptyScope, NewEntry(testAnswer("live.test", 300, "192.0.2.1"), now, 300*time.Second))
	c.Put(question("stale.test"), EmptyScope, NewEntry(testAnswer("stale.test", 30, "192.0.2.2"), now, 30*time.Second))

	var buf bytes.Buffer
	require.NoError(t, c.Snapshot(&buf, 0))

	restored := New(16)
	later := now.Add(60 * time.Second)
	restored.now = func() time.Time { return later }
	require.NoError(t, restored.Restore(bytes.NewReader(buf.Bytes()), true))

	assert.Equal(t, 1, restored.Len())
	_, ok := restored.Get(question("live.test"), nil)
	assert.True(t, ok)
}

func Test_SnapshotConcurrentPut(t *testing.T) {
	c := New(64)
	now := time.Now()
	c.now = func() time.Time { return now }

	q := question("hot.test")
	c.Put(q, EmptyScope, NewEntry(testAnswer("hot.test", 300, "192.0.2.1"), now, 300*time.Second))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					c.Put(q, EmptyScope, NewEntry(testAnswer("hot.test", 300, "192.0.2.2"), now, 300*time.Second))
				}
			}
		}()
	}

	// writers keep replacing the entry while snapshots stream it out
	for i := 0; i < 50; i++ {
		var buf bytes.Buffer
		require.NoError(t, c.Snapshot(&buf, 0))

		restored := New(64)
		restored.now = c.now
		require.NoError(t, restored.Restore(&buf, false))
		assert.Equal(t, 1, restored.Len())
	}

	close(stop)
	wg.Wait()
}

func Test_SnapshotRejectsBadHeader(t *testing.T) {
	c := New(16)

	err := c.Restore(bytes.NewReader([]byte("garbage")), false)
	assert.Error(t, err)

	bad := make([]byte, 16)
	copy(bad, []byte("notmagic"))
	err = c.Restore(bytes.NewReader(bad), false)
	assert.ErrorIs(t, err, ErrBadMagic)

	future := make([]byte, 16)
	copy(future, snapshotMagic[:])
	binary.LittleEndian.PutUint32(future[8:], snapshotVersion+1)
	err = c.Restore(bytes.NewReader(future), false)
	assert.ErrorIs(t, err, ErrBadVersion)
}

func Test_SaverSaveLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cache.dat")

	c := New(16)
	now := time.Now().Truncate(time.Second)
	c.now = func() time.Time { return now }
	c.Put(question("a.test"), EmptyScope, NewEntry(testAnswer("a.test", 300, "192.0.2.1"), now, 300*time.Second))

	saver := NewSaver(c, PersistConfig{Path: path}, nil)
	require.NoError(t, saver.Save())

	restored := New(16)
	restored.now = c.now
	NewSaver(restored, PersistConfig{Path: path}, nil).Load()

	assert.Equal(t, 1, restored.Len())

	// temp files are cleaned up after the rename
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func Test_SaverLoadMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.dat")
	require.NoError(t, os.WriteFile(path, []byte("not a snapshot"), 0o644))

	c := New(16)
	NewSaver(c, PersistConfig{Path: path}, nil).Load()

	assert.Zero(t, c.Len(), "malformed snapshot starts empty")
}

func Test_SaverLoadMissingFile(t *testing.T) {
	c := New(16)
	NewSaver(c, PersistConfig{Path: filepath.Join(t.TempDir(), "absent.dat")}, nil).Load()
	assert.Zero(t, c.Len())
}

func Test_SaverDeadline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.dat")
	c := New(16)

	saver := NewSaver(c, PersistConfig{Path: path}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := saver.SaveWithDeadline(ctx)
	assert.ErrorIs(t, err, ErrSaveAbandoned)
}
