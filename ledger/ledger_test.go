package ledger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// conformance runs the shared behavior suite against any backend.
func conformance(t *testing.T, l Ledger) {
	ctx := context.Background()
	const conn = "conn-1"

	t.Run("MissThenInsert", func(t *testing.T) {
		_, _, ok, err := l.LookupHash(ctx, conn, "a")
		require.NoError(t, err)
		assert.False(t, ok)

		applied, err := l.RecordSeen(ctx, conn, "job-1", "a", []byte{1, 2}, "", 1)
		require.NoError(t, err)
		assert.True(t, applied)

		hash, _, ok, err := l.LookupHash(ctx, conn, "a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte{1, 2}, hash)
	})

	t.Run("StaleEmitSeqDiscarded", func(t *testing.T) {
		_, err := l.RecordSeen(ctx, conn, "job-1", "b", []byte{1}, "", 5)
		require.NoError(t, err)

		applied, err := l.RecordSeen(ctx, conn, "job-1", "b", []byte{9}, "", 3)
		require.NoError(t, err)
		assert.False(t, applied)

		hash, _, _, err := l.LookupHash(ctx, conn, "b")
		require.NoError(t, err)
		assert.Equal(t, []byte{1}, hash)
	})

	t.Run("NewJobResetsSeq", func(t *testing.T) {
		_, err := l.RecordSeen(ctx, conn, "job-1", "c", []byte{1}, "", 100)
		require.NoError(t, err)

		applied, err := l.RecordSeen(ctx, conn, "job-2", "c", []byte{2}, "", 1)
		require.NoError(t, err)
		assert.True(t, applied)
	})

	t.Run("ChildTracking", func(t *testing.T) {
		_, err := l.RecordSeen(ctx, conn, "job-1", "parent", []byte{1}, "", 10)
		require.NoError(t, err)
		_, err = l.RecordSeen(ctx, conn, "job-1", "parent#chunk-0", []byte{2}, "parent", 11)
		require.NoError(t, err)
		_, err = l.RecordSeen(ctx, conn, "job-1", "parent#chunk-1", []byte{3}, "parent", 12)
		require.NoError(t, err)

		_, children, ok, err := l.LookupHash(ctx, conn, "parent")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []string{"parent#chunk-0", "parent#chunk-1"}, children)

		require.NoError(t, l.SetChildren(ctx, conn, "parent", []string{"parent#chunk-0"}))
		_, children, _, err = l.LookupHash(ctx, conn, "parent")
		require.NoError(t, err)
		assert.Equal(t, []string{"parent#chunk-0"}, children)
	})

	t.Run("DisappearanceListing", func(t *testing.T) {
		const dconn = "conn-disappear"
		_, err := l.RecordSeen(ctx, dconn, "job-1", "x", []byte{1}, "", 1)
		require.NoError(t, err)
		_, err = l.RecordSeen(ctx, dconn, "job-1", "y", []byte{2}, "", 2)
		require.NoError(t, err)

		// Second job only re-witnesses x.
		_, err = l.RecordSeen(ctx, dconn, "job-2", "x", []byte{1}, "", 1)
		require.NoError(t, err)

		var gone []string
		err = l.ListDisappeared(ctx, dconn, "job-2", func(e Entry) error {
			gone = append(gone, e.EntityID)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"y"}, gone)
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		_, err := l.RecordSeen(ctx, conn, "job-1", "r", []byte{1}, "", 1)
		require.NoError(t, err)
		require.NoError(t, l.Remove(ctx, conn, "r"))
		require.NoError(t, l.Remove(ctx, conn, "r"))

		_, _, ok, err := l.LookupHash(ctx, conn, "r")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestMemoryLedgerConformance(t *testing.T) {
	conformance(t, NewMemoryLedger())
}

func TestBoltLedgerConformance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	l, err := OpenBolt(path)
	require.NoError(t, err)
	defer l.Close()

	conformance(t, l)
}

func TestBoltLedgerSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.db")

	l, err := OpenBolt(path)
	require.NoError(t, err)
	_, err = l.RecordSeen(ctx, "conn", "job-1", "persist", []byte{7}, "", 1)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	l2, err := OpenBolt(path)
	require.NoError(t, err)
	defer l2.Close()

	hash, _, ok, err := l2.LookupHash(ctx, "conn", "persist")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{7}, hash)
}
