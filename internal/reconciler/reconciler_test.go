package reconciler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/komodohq/pnwsync/internal/store"
)

func int64p(v int64) *int64 { return &v }

func TestReferencedIDs_RequiredAndNullableColumns(t *testing.T) {
	rows := [][]store.Column{
		{{Name: "id", Value: int64(1)}, {Name: "nation_id", Value: int64(10)}},
		{{Name: "id", Value: int64(2)}, {Name: "nation_id", Value: int64(11)}},
		{{Name: "id", Value: int64(3)}, {Name: "nation_id", Value: int64(10)}},
	}
	ids := referencedIDs(rows, "nation_id")
	require.ElementsMatch(t, []int64{10, 11}, ids)
}

func TestReferencedIDs_SkipsNilPointers(t *testing.T) {
	rows := [][]store.Column{
		{{Name: "alliance_id", Value: int64p(5)}},
		{{Name: "alliance_id", Value: (*int64)(nil)}},
	}
	require.ElementsMatch(t, []int64{5}, referencedIDs(rows, "alliance_id"))
}

func TestFilterRequiredFK_DropsMissingReferences(t *testing.T) {
	rows := [][]store.Column{
		{{Name: "id", Value: int64(1)}, {Name: "nation_id", Value: int64(10)}},
		{{Name: "id", Value: int64(2)}, {Name: "nation_id", Value: int64(99)}},
	}
	existing := map[int64]bool{10: true}

	kept, dropped := filterRequiredFK(rows, "nation_id", existing)
	require.Len(t, kept, 1)
	require.Equal(t, int64(1), idValue(kept[0]))
	require.Equal(t, []int64{2}, dropped)
}

func TestNullMissingFK_NullsInPlace(t *testing.T) {
	rows := [][]store.Column{
		{{Name: "id", Value: int64(1)}, {Name: "alliance_id", Value: int64p(5)}},
		{{Name: "id", Value: int64(2)}, {Name: "alliance_id", Value: int64p(999)}},
	}
	existing := map[int64]bool{5: true}

	nulled := nullMissingFK(rows, "alliance_id", existing)
	require.Equal(t, []int64{2}, nulled)
	require.Equal(t, int64p(5), columnValue(rows[0], "alliance_id"))
	require.Nil(t, columnValue(rows[1], "alliance_id").(*int64))
}

func TestMaxBatchRows_RespectsParameterCap(t *testing.T) {
	require.Equal(t, 32767, maxBatchRows(1))
	require.LessOrEqual(t, maxBatchRows(33)*33, 32767)
}

func TestChunkRows_SplitsIntoEvenGroups(t *testing.T) {
	rows := make([][]store.Column, 5)
	chunks := chunkRows(rows, 2)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 2)
	require.Len(t, chunks[2], 1)
}

func TestNullAllFKColumns_PreservesConcreteNilType(t *testing.T) {
	cols := []store.Column{
		{Name: "id", Value: int64(1)},
		{Name: "alliance_id", Value: int64p(5)},
		{Name: "name", Value: "kept"},
	}
	nulled := nullAllFKColumns(cols, []string{"alliance_id"})
	require.Equal(t, int64(1), nulled[0].Value)
	ptr, ok := nulled[1].Value.(*int64)
	require.True(t, ok)
	require.Nil(t, ptr)
	require.Equal(t, "kept", nulled[2].Value)
}

func TestIdsOf(t *testing.T) {
	rows := [][]store.Column{
		{{Name: "id", Value: int64(7)}},
		{{Name: "id", Value: int64(8)}},
	}
	require.Equal(t, []int64{7, 8}, idsOf(rows))
}
