package harness

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wstm/internal/channel"
	"github.com/roach88/wstm/internal/engine"
)

func TestNewWorld_Channels(t *testing.T) {
	eng := engine.New()
	defer eng.Close()

	s := &Scenario{
		Name:     "world",
		Vars:     map[string]int64{"sum": 0},
		Channels: map[string]ChannelSpec{"jobs": {Capacity: 2}},
	}
	w := newWorld(eng, s)
	jobs := w.channels["jobs"]
	require.NotNil(t, jobs)
	assert.Equal(t, 2, jobs.Cap())

	ctx := context.Background()
	require.NoError(t, jobs.Send(ctx, 7))
	require.NoError(t, jobs.Send(ctx, 8))

	ok, err := engine.AtomicallyValue(ctx, eng, func(tx *engine.Tx) (bool, error) {
		return jobs.TryPush(tx, 9)
	})
	require.NoError(t, err)
	assert.False(t, ok, "bounded channel accepted a push past capacity")

	got, err := jobs.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, got)
}

func TestBroadcast_FromOtherPackage(t *testing.T) {
	eng := engine.New()
	defer eng.Close()
	ctx := context.Background()

	b := channel.NewBroadcast[int64](eng)
	r, err := engine.AtomicallyValue(ctx, eng, func(tx *engine.Tx) (*channel.Reader[int64], error) {
		return b.Subscribe(tx), nil
	})
	require.NoError(t, err)

	require.NoError(t, eng.Atomically(ctx, func(tx *engine.Tx) error {
		if err := b.Write(tx, 1); err != nil {
			return err
		}
		return b.Write(tx, 2)
	}))

	got, err := engine.AtomicallyValue(ctx, eng, func(tx *engine.Tx) ([]int64, error) {
		return r.ReadAll(tx), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, got)
}

func TestWorld_ObservesCommittedValuesOnly(t *testing.T) {
	eng := engine.New()
	defer eng.Close()
	ctx := context.Background()

	w := newWorld(eng, &Scenario{Name: "observe", Vars: map[string]int64{"a": 10, "b": 1}})

	require.NoError(t, eng.Atomically(ctx, func(tx *engine.Tx) error {
		w.set(tx, "a", -5)
		w.set(tx, "a", 3)
		err := tx.Atomically(func(tx *engine.Tx) error {
			w.set(tx, "b", -9)
			return errors.New("abandon")
		})
		require.Error(t, err)
		return nil
	}))
	assert.Equal(t, map[string]int64{"a": 3, "b": 1}, w.minObserved(),
		"overwritten and abandoned writes are not observed")

	require.NoError(t, eng.Atomically(ctx, func(tx *engine.Tx) error {
		return tx.Atomically(func(tx *engine.Tx) error {
			w.set(tx, "b", 0)
			return nil
		})
	}))
	assert.Equal(t, int64(0), w.minObserved()["b"], "writes of a successful nested scope are observed")

	err := eng.Atomically(ctx, func(tx *engine.Tx) error {
		w.set(tx, "a", -1)
		return errors.New("rolled back")
	})
	require.Error(t, err)
	assert.Equal(t, int64(3), w.minObserved()["a"], "writes of a failed transaction are not observed")
}
