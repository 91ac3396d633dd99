package storage

import (
	"os"
	"path/filepath"
	"testing"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/abergmeier/fabaccess-server/internal/models"
)

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStatePutGet(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetState("laser")
	assert.ErrorIs(t, err, ErrNotFound)

	rec := &models.StateRecord{Resource: "laser", State: models.InUse("alice"), Seq: 3}
	require.NoError(t, s.PutState(rec))

	got, err := s.GetState("laser")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), got.Seq)
	assert.True(t, got.State.Same(models.InUse("alice")))

	// overwrite
	rec.Seq = 4
	rec.State = models.Free()
	require.NoError(t, s.PutState(rec))
	got, err = s.GetState("laser")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got.Seq)
	assert.Equal(t, models.StatusFree, got.State.Status)
}

func TestSnapshot(t *testing.T) {
	s := openTestStore(t)
	for _, id := range []string{"laser", "printer", "mill"} {
		require.NoError(t, s.PutState(&models.StateRecord{Resource: id, State: models.Free(), Seq: 0}))
	}
	recs, err := s.Snapshot()
	require.NoError(t, err)
	require.Len(t, recs, 3)
	// badger iterates keys in order
	assert.Equal(t, "laser", recs[0].Resource)
	assert.Equal(t, "mill", recs[1].Resource)
	assert.Equal(t, "printer", recs[2].Resource)
}

func TestReopenKeepsState(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.PutState(&models.StateRecord{Resource: "laser", State: models.InUse("dave"), Seq: 7}))
	require.NoError(t, s.Close())

	s, err = Open(dir, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetState("laser")
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.Seq)
	assert.Equal(t, models.UserID("dave"), got.State.User)
}

func TestUsersAndSeed(t *testing.T) {
	s := openTestStore(t)

	_, ok := s.UserRoles("alice")
	assert.False(t, ok)

	seed := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(
		"users:\n  alice:\n    roles: [laser]\n  bob:\n    roles: [member]\n"), 0o644))

	n, err := s.LoadSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	roles, ok := s.UserRoles("alice")
	require.True(t, ok)
	assert.Equal(t, []string{"laser"}, roles)
}

func TestFutureSchemaRejected(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("schema:version"), []byte("99"))
	}))
	require.NoError(t, s.Close())

	_, err = Open(dir, zap.NewNop())
	assert.ErrorIs(t, err, ErrSchema)
}
