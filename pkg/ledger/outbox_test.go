package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minjcho/hedgemark/pkg/util"
)

func newTestOutbox(port Port, maxTries int, onDead OnExhausted) *Outbox {
	o := NewOutbox(port, util.NewNopLogger().Sugar(), maxTries, onDead)
	o.minBackoff = time.Millisecond
	o.maxBackoff = 2 * time.Millisecond
	return o
}

func TestDispatchDeliversEffects(t *testing.T) {
	port := NewInMemoryPort()
	o := newTestOutbox(port, 3, nil)

	o.Enqueue(Effect{ID: "fx-1", Kind: EffectMessage, TopicID: "t", Payload: []byte(`{}`)})
	o.Enqueue(Effect{ID: "fx-2", Kind: EffectTransfer, From: "0.0.1", To: "0.0.2", Amount: 100})
	o.Dispatch(context.Background())

	require.Len(t, port.Messages, 1)
	require.Len(t, port.Movements, 1)
	assert.Equal(t, "fx-1", port.Messages[0].EffectID)
	assert.Equal(t, "fx-2", port.Movements[0].EffectID)
	assert.Empty(t, o.Pending())
}

func TestDispatchRetriesNetworkErrors(t *testing.T) {
	port := NewInMemoryPort()
	port.FailNext = 2
	o := newTestOutbox(port, 5, nil)

	o.Enqueue(Effect{ID: "fx-1", Kind: EffectMessage, TopicID: "t", Payload: []byte(`{}`)})
	o.Dispatch(context.Background())

	// failed twice, succeeded on the third try
	require.Len(t, port.Messages, 1)
	assert.Empty(t, o.Pending())
}

func TestExhaustionDeadLettersAndNotifies(t *testing.T) {
	port := NewInMemoryPort()
	port.FailNext = 10
	var dead []Effect
	o := newTestOutbox(port, 3, func(e Effect, err error) {
		dead = append(dead, e)
		assert.Error(t, err)
	})

	o.Enqueue(Effect{ID: "fx-1", Kind: EffectTransfer, From: "a", To: "b", Amount: 1})
	o.Dispatch(context.Background())

	require.Len(t, dead, 1)
	assert.Equal(t, "fx-1", dead[0].ID)
	// the effect stays recorded for reconciliation
	require.Len(t, o.Pending(), 1)
}

func TestPortDeduplicatesByEffectID(t *testing.T) {
	port := NewInMemoryPort()
	ctx := context.Background()

	r1, err := port.Transfer(ctx, "a", "b", 100, TransferOpts{EffectID: "same"})
	require.NoError(t, err)
	r2, err := port.Transfer(ctx, "a", "b", 100, TransferOpts{EffectID: "same"})
	require.NoError(t, err)

	assert.Equal(t, r1.Sequence, r2.Sequence)
	assert.Len(t, port.Movements, 1)
}

func TestRestoreReplacesQueue(t *testing.T) {
	port := NewInMemoryPort()
	o := newTestOutbox(port, 3, nil)

	o.Restore([]Effect{{ID: "fx-9", Kind: EffectMessage, TopicID: "t"}})
	require.Len(t, o.Pending(), 1)

	o.Dispatch(context.Background())
	assert.Len(t, port.Messages, 1)
	assert.Empty(t, o.Pending())
}
