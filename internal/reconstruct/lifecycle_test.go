package reconstruct

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chronicle/internal/ir"
)

func TestLifecycleTransitions(t *testing.T) {
	key := accountKey(1)
	absent := NewLifecycle("account", key)
	created := Lifecycle{EntityType: "account", Key: key, Phase: PhaseCreated, Version: 1, Segment: 1}
	updated := Lifecycle{EntityType: "account", Key: key, Phase: PhaseUpdated, Version: 2, Segment: 1}
	deleted := Lifecycle{EntityType: "account", Key: key, Phase: PhaseDeleted, Version: 3, Segment: 1}

	tests := []struct {
		name    string
		from    Lifecycle
		op      ir.Operation
		phase   Phase
		version int64
		segment int64
		invalid bool
	}{
		{"create from absent", absent, ir.OpCreate, PhaseCreated, 1, 1, false},
		{"update from absent", absent, ir.OpUpdate, "", 0, 0, true},
		{"delete from absent", absent, ir.OpDelete, "", 0, 0, true},
		{"update after create", created, ir.OpUpdate, PhaseUpdated, 2, 1, false},
		{"update after update", updated, ir.OpUpdate, PhaseUpdated, 3, 1, false},
		{"delete after update", updated, ir.OpDelete, PhaseDeleted, 3, 1, false},
		{"create while live", created, ir.OpCreate, "", 0, 0, true},
		{"update after delete", deleted, ir.OpUpdate, "", 0, 0, true},
		{"delete after delete", deleted, ir.OpDelete, "", 0, 0, true},
		{"recreate", deleted, ir.OpCreate, PhaseCreated, 4, 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := tt.from.Next(tt.op)
			if tt.invalid {
				require.Error(t, err)
				assert.True(t, ir.IsInvalidLifecycleTransition(err))
				assert.Equal(t, tt.from, next, "receiver is returned unchanged")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.phase, next.Phase)
			assert.Equal(t, tt.version, next.Version)
			assert.Equal(t, tt.segment, next.Segment)
		})
	}
}

func TestLifecycleErrorNamesEntity(t *testing.T) {
	_, err := NewLifecycle("account", accountKey(4)).Next(ir.OpUpdate)

	var e *ir.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "account", e.EntityType)
	assert.Equal(t, accountKey(4), e.EntityKey)
	assert.Contains(t, e.Message, "absent")
}

func TestLifecycleUnknownOperation(t *testing.T) {
	_, err := NewLifecycle("account", accountKey(1)).Next("upsert")
	assert.True(t, ir.IsProtocolError(err))
}

func TestLifecycleOf(t *testing.T) {
	l := LifecycleOf(ir.VersionRecord{EntityType: "account", EntityKey: accountKey(1), Version: 5, Segment: 2, Operation: ir.OpDelete})
	assert.Equal(t, PhaseDeleted, l.Phase)
	assert.False(t, l.Live())
	assert.Equal(t, int64(5), l.Version)

	l = LifecycleOf(ir.VersionRecord{Operation: ir.OpUpdate})
	assert.True(t, l.Live())
}
