package main

import (
	"encoding/json"
	"testing"

	"github.com/maxpert/sluice/cdc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoldChangeRecordsSnapshotRowsAsInserts(t *testing.T) {
	row := cdc.RecordPart{"id": int64(1001), "first_name": "Sally"}
	s, out, err := foldChange(changeState{}, cdc.ChangeEvent{
		Operation: cdc.OpSync,
		Key:       cdc.RecordPart{"id": int64(1001)},
		Value:     row,
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Equal(t, changeState{Changes: 1, Op: "INSERT"}, s)

	var rec changeRecord
	require.NoError(t, json.Unmarshal(out.Value, &rec))
	assert.Equal(t, "INSERT", rec.Op)
	assert.Equal(t, 1, rec.Changes)
	assert.Equal(t, "Sally", rec.Row["first_name"])
}

func TestFoldChangeDeleteIsTombstone(t *testing.T) {
	s, out, err := foldChange(changeState{Changes: 1, Op: "INSERT"}, cdc.ChangeEvent{
		Operation: cdc.OpDelete,
		Key:       cdc.RecordPart{"id": int64(1005)},
		Before:    cdc.RecordPart{"id": int64(1005), "first_name": "Jason"},
	})
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Nil(t, out.Value)
	assert.Equal(t, changeState{Changes: 2, Op: "DELETE"}, s)
}

func TestFoldChangeUpdateCountsChanges(t *testing.T) {
	s, out, err := foldChange(changeState{Changes: 1, Op: "INSERT"}, cdc.ChangeEvent{
		Operation: cdc.OpUpdate,
		Key:       cdc.RecordPart{"id": int64(1004)},
		Value:     cdc.RecordPart{"id": int64(1004), "first_name": "Anne Marie"},
	})
	require.NoError(t, err)

	var rec changeRecord
	require.NoError(t, json.Unmarshal(out.Value, &rec))
	assert.Equal(t, changeRecord{Op: "UPDATE", Changes: 2, Row: map[string]any{"id": float64(1004), "first_name": "Anne Marie"}}, rec)
	assert.Equal(t, 2, s.Changes)
}
