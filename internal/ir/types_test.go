package ir

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONFieldNaming(t *testing.T) {
	txn := Transaction{
		ID:          1,
		IssuedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Actor:       "alice",
		RemoteAddr:  "10.0.0.1",
		Metadata:    map[string]string{"reason": "test"},
		EntityTypes: []string{"account"},
	}

	data, err := json.Marshal(txn)
	require.NoError(t, err)

	jsonStr := string(data)
	assert.Contains(t, jsonStr, `"issued_at"`)
	assert.Contains(t, jsonStr, `"remote_addr"`)
	assert.Contains(t, jsonStr, `"entity_types"`)
	assert.NotContains(t, jsonStr, `"IssuedAt"`)
}

func TestEmptyTransactionOmitsOptional(t *testing.T) {
	data, err := json.Marshal(Transaction{ID: 1})
	require.NoError(t, err)

	assert.NotContains(t, string(data), "actor")
	assert.NotContains(t, string(data), "metadata")
}

func TestOperationValid(t *testing.T) {
	assert.True(t, OpCreate.Valid())
	assert.True(t, OpUpdate.Valid())
	assert.True(t, OpDelete.Valid())
	assert.False(t, Operation("upsert").Valid())
}

func TestAsOf(t *testing.T) {
	byTx := AtTransaction(3)
	assert.False(t, byTx.ByTime())
	assert.Equal(t, "tx:3", byTx.String())

	loc := time.FixedZone("X", 3600)
	byTime := AtTime(time.Date(2024, 1, 1, 1, 0, 0, 0, loc))
	assert.True(t, byTime.ByTime())
	assert.Equal(t, "2024-01-01T00:00:00Z", byTime.String())
}

func TestEntityRef(t *testing.T) {
	rec := VersionRecord{EntityType: "account", EntityKey: `{"id":1}`}
	assert.Equal(t, EntityRef{Type: "account", Key: `{"id":1}`}, rec.Ref())
	assert.Equal(t, `account{"id":1}`, rec.Ref().String())
}

func TestDeltaSortedKeys(t *testing.T) {
	d := Delta{
		"b": {Old: Int(1), New: Int(2)},
		"a": {Old: Absent{}, New: Int(1)},
	}
	assert.Equal(t, []string{"a", "b"}, d.SortedKeys())
}
