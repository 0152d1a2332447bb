package statetracker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetLastAppliedLSNClampsRegression(t *testing.T) {
	tr, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, tr.SetLastAppliedLSN(10))
	require.NoError(t, tr.SetLastAppliedLSN(5))
	require.Equal(t, uint64(10), tr.LastAppliedLSN())
}

func TestSetCurrentTermResetsVoteOnAdvance(t *testing.T) {
	tr, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, tr.SetVote(3, "node-a"))
	require.Equal(t, "node-a", tr.VotedFor())

	require.NoError(t, tr.SetCurrentTerm(4))
	require.Equal(t, uint64(4), tr.CurrentTerm())
	require.Equal(t, "", tr.VotedFor())
}

func TestSetCurrentTermClampsRegression(t *testing.T) {
	tr, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, tr.SetCurrentTerm(5))
	require.NoError(t, tr.SetCurrentTerm(2))
	require.Equal(t, uint64(5), tr.CurrentTerm())
}

func TestRecordAppliedIsIdempotent(t *testing.T) {
	tr, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, tr.RecordApplied(1, "users", "1"))
	require.NoError(t, tr.RecordApplied(1, "users", "1"))
	require.Equal(t, 1, tr.AppliedCount())
	require.True(t, tr.IsApplied(1, "users", "1"))
}

func TestIsAppliedTreatsLSNBelowWatermarkAsApplied(t *testing.T) {
	tr, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, tr.SetLastAppliedLSN(10))
	require.True(t, tr.IsApplied(3, "anything", "whatever"))
	require.False(t, tr.IsApplied(11, "anything", "whatever"))
}

func TestTableWatermarkTracksHighestAppliedLSNPerTable(t *testing.T) {
	tr, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, tr.RecordApplied(1, "users", "1"))
	require.NoError(t, tr.RecordApplied(5, "users", "2"))
	require.NoError(t, tr.RecordApplied(2, "orders", "1"))

	require.Equal(t, uint64(5), tr.TableWatermark("users"))
	require.Equal(t, uint64(2), tr.TableWatermark("orders"))
}

func TestAppliedInRangeFiltersInclusively(t *testing.T) {
	tr, err := Open(t.TempDir())
	require.NoError(t, err)

	for _, lsn := range []uint64{1, 2, 3, 4, 5} {
		require.NoError(t, tr.RecordApplied(lsn, "t", fmt.Sprintf("k%d", lsn)))
	}
	got := tr.AppliedInRange(2, 4)
	require.Len(t, got, 3)
}

func TestCleanupBeforeDiscardsOlderRows(t *testing.T) {
	tr, err := Open(t.TempDir())
	require.NoError(t, err)

	for _, lsn := range []uint64{1, 2, 3, 4, 5} {
		require.NoError(t, tr.RecordApplied(lsn, "t", fmt.Sprintf("k%d", lsn)))
	}
	require.NoError(t, tr.CleanupBefore(4))
	require.Equal(t, 2, tr.AppliedCount())
}

func TestTrackerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	tr, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, tr.SetVote(7, "node-b"))
	require.NoError(t, tr.SetLastAppliedLSN(42))
	require.NoError(t, tr.RecordApplied(10, "users", "99"))

	tr2, err := Open(dir)
	require.NoError(t, err)
	require.Equal(t, uint64(7), tr2.CurrentTerm())
	require.Equal(t, "node-b", tr2.VotedFor())
	require.Equal(t, uint64(42), tr2.LastAppliedLSN())
	require.True(t, tr2.IsApplied(10, "users", "99"))
}
