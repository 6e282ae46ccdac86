package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wricardo/livetrack/tracking/service"
)

// codeSeq and runID hand out codes that are distinct across runs, so the
// Postgres suite can share a database.
var (
	codeSeq atomic.Int64
	runID   = time.Now().UnixNano()
)

func nextCode() string {
	return fmt.Sprintf("t%x_%d", runID, codeSeq.Add(1))
}

type storeFactory func(t *testing.T) service.SessionStore

func storeFactories(t *testing.T) map[string]storeFactory {
	factories := map[string]storeFactory{
		"memory": func(t *testing.T) service.SessionStore {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) service.SessionStore {
			store, err := OpenSQLite(filepath.Join(t.TempDir(), "tracker.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		},
	}

	if dsn := os.Getenv("LIVETRACK_TEST_DATABASE_URL"); dsn != "" {
		factories["postgres"] = func(t *testing.T) service.SessionStore {
			store, err := OpenPostgres(context.Background(), dsn)
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		}
	}
	return factories
}

func TestSessionStores(t *testing.T) {
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("CreateAndExists", func(t *testing.T) { testCreateAndExists(t, factory(t)) })
			t.Run("DuplicateCode", func(t *testing.T) { testDuplicateCode(t, factory(t)) })
			t.Run("SetStatus", func(t *testing.T) { testSetStatus(t, factory(t)) })
			t.Run("AppendAndLatest", func(t *testing.T) { testAppendAndLatest(t, factory(t)) })
			t.Run("InvalidCoordinate", func(t *testing.T) { testInvalidCoordinate(t, factory(t)) })
			t.Run("UnknownSession", func(t *testing.T) { testUnknownSession(t, factory(t)) })
			t.Run("PartitionsAreIsolated", func(t *testing.T) { testPartitionsIsolated(t, factory(t)) })
			t.Run("ConcurrentCreate", func(t *testing.T) { testConcurrentCreate(t, factory(t)) })
			t.Run("ConcurrentAppend", func(t *testing.T) { testConcurrentAppend(t, factory(t)) })
		})
	}
}

func testCreateAndExists(t *testing.T, store service.SessionStore) {
	ctx := context.Background()
	code := nextCode()

	exists, err := store.Exists(ctx, code)
	require.NoError(t, err)
	assert.False(t, exists)

	before := time.Now().Add(-time.Second)
	sess, err := store.CreateSession(ctx, code, "Van 1", "created")
	require.NoError(t, err)
	assert.Equal(t, code, sess.Code)
	assert.Equal(t, "Van 1", sess.Name)
	assert.Equal(t, "created", sess.Status)
	assert.Nil(t, sess.StatusUpdatedAt)
	assert.True(t, sess.CreatedAt.After(before))

	exists, err = store.Exists(ctx, code)
	require.NoError(t, err)
	assert.True(t, exists)

	latest, meta, err := store.Latest(ctx, code)
	require.NoError(t, err)
	assert.Nil(t, latest)
	require.NotNil(t, meta)
	assert.Equal(t, "Van 1", meta.Name)
	assert.True(t, sess.CreatedAt.Equal(meta.CreatedAt))
}

func testDuplicateCode(t *testing.T, store service.SessionStore) {
	ctx := context.Background()
	code := nextCode()

	_, err := store.CreateSession(ctx, code, "first", "created")
	require.NoError(t, err)

	_, err = store.CreateSession(ctx, code, "second", "created")
	assert.ErrorIs(t, err, service.ErrDuplicateCode)

	_, meta, err := store.Latest(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "first", meta.Name)
}

func testSetStatus(t *testing.T, store service.SessionStore) {
	ctx := context.Background()
	code := nextCode()
	_, err := store.CreateSession(ctx, code, "Van 1", "created")
	require.NoError(t, err)

	sess, err := store.SetStatus(ctx, code, "en route")
	require.NoError(t, err)
	assert.Equal(t, "en route", sess.Status)
	require.NotNil(t, sess.StatusUpdatedAt)

	sess, err = store.SetStatus(ctx, code, "delivered")
	require.NoError(t, err)
	assert.Equal(t, "delivered", sess.Status)

	_, meta, err := store.Latest(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "delivered", meta.Status)
	require.NotNil(t, meta.StatusUpdatedAt)
}

func testAppendAndLatest(t *testing.T, store service.SessionStore) {
	ctx := context.Background()
	code := nextCode()
	_, err := store.CreateSession(ctx, code, "Van 1", "created")
	require.NoError(t, err)

	points := [][2]float64{{12.97, 77.59}, {12.98, 77.60}, {-90, 180}, {90, -180}}
	var prev time.Time
	for _, p := range points {
		rec, err := store.AppendPosition(ctx, code, p[0], p[1])
		require.NoError(t, err)
		assert.Equal(t, p[0], rec.Lat)
		assert.Equal(t, p[1], rec.Lng)
		assert.False(t, rec.Timestamp.Before(prev), "timestamps must not go backwards")
		prev = rec.Timestamp

		latest, _, err := store.Latest(ctx, code)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, p[0], latest.Lat)
		assert.Equal(t, p[1], latest.Lng)
		assert.True(t, rec.Timestamp.Equal(latest.Timestamp))
	}
}

func testInvalidCoordinate(t *testing.T, store service.SessionStore) {
	ctx := context.Background()
	code := nextCode()
	_, err := store.CreateSession(ctx, code, "Van 1", "created")
	require.NoError(t, err)

	_, err = store.AppendPosition(ctx, code, 91, 0)
	assert.ErrorIs(t, err, service.ErrInvalidCoordinate)
	_, err = store.AppendPosition(ctx, code, 0, -181)
	assert.ErrorIs(t, err, service.ErrInvalidCoordinate)

	latest, _, err := store.Latest(ctx, code)
	require.NoError(t, err)
	assert.Nil(t, latest, "rejected coordinates must not be stored")
}

func testUnknownSession(t *testing.T, store service.SessionStore) {
	ctx := context.Background()

	_, err := store.SetStatus(ctx, "0000", "lost")
	assert.ErrorIs(t, err, service.ErrUnknownSession)

	_, err = store.AppendPosition(ctx, "0000", 1, 1)
	assert.ErrorIs(t, err, service.ErrUnknownSession)

	_, err = store.AppendPosition(ctx, "no such; code", 1, 1)
	assert.ErrorIs(t, err, service.ErrUnknownSession)

	latest, meta, err := store.Latest(ctx, "0000")
	require.NoError(t, err)
	assert.Nil(t, latest)
	assert.Nil(t, meta)
}

func testPartitionsIsolated(t *testing.T, store service.SessionStore) {
	ctx := context.Background()
	a, b := nextCode(), nextCode()
	_, err := store.CreateSession(ctx, a, "A", "created")
	require.NoError(t, err)
	_, err = store.CreateSession(ctx, b, "B", "created")
	require.NoError(t, err)

	_, err = store.AppendPosition(ctx, a, 10, 10)
	require.NoError(t, err)

	latestB, _, err := store.Latest(ctx, b)
	require.NoError(t, err)
	assert.Nil(t, latestB)

	_, err = store.AppendPosition(ctx, b, 20, 20)
	require.NoError(t, err)

	latestA, _, err := store.Latest(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 10.0, latestA.Lat)
}

func testConcurrentCreate(t *testing.T, store service.SessionStore) {
	ctx := context.Background()
	code := nextCode()

	const workers = 8
	var (
		wg        sync.WaitGroup
		created   atomic.Int32
		duplicate atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.CreateSession(ctx, code, "racer", "created")
			switch {
			case err == nil:
				created.Add(1)
			case assert.ErrorIs(t, err, service.ErrDuplicateCode):
				duplicate.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(workers-1), duplicate.Load())
}

func testConcurrentAppend(t *testing.T, store service.SessionStore) {
	ctx := context.Background()
	code := nextCode()
	_, err := store.CreateSession(ctx, code, "Van 1", "created")
	require.NoError(t, err)

	const writers, perWriter = 4, 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := store.AppendPosition(ctx, code, float64(w), float64(i))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	latest, _, err := store.Latest(ctx, code)
	require.NoError(t, err)
	require.NotNil(t, latest)
}
