package statemachine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterWriteReadCAS(t *testing.T) {
	r := NewRegister()

	out, err := r.Apply([]byte("WRITE hello"), 1)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(out))

	out, err = r.Apply([]byte("READ"), 2)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	out, err = r.Apply([]byte("CAS hello world"), 3)
	require.NoError(t, err)
	assert.Equal(t, "OK", string(out))

	out, err = r.Apply([]byte("READ"), 4)
	require.NoError(t, err)
	assert.Equal(t, "world", string(out))

	out, err = r.Apply([]byte("CAS hello nope"), 5)
	require.NoError(t, err)
	assert.Equal(t, "FAILED", string(out))

	value, version := r.Value()
	assert.Equal(t, "world", value)
	assert.Equal(t, uint64(2), version)
}

func TestRegisterApplyUnknownCommand(t *testing.T) {
	r := NewRegister()
	_, err := r.Apply([]byte("DELETE"), 1)
	assert.Error(t, err)
}

func TestRegisterMalformedCAS(t *testing.T) {
	r := NewRegister()
	_, err := r.Apply([]byte("CAS onlyone"), 1)
	assert.Error(t, err)
}

func TestRegisterSnapshotRoundTrip(t *testing.T) {
	r := NewRegister()
	_, err := r.Apply([]byte("WRITE first"), 1)
	require.NoError(t, err)
	_, err = r.Apply([]byte("WRITE second"), 2)
	require.NoError(t, err)

	state, err := r.GetState()
	require.NoError(t, err)

	restored := NewRegister()
	require.NoError(t, restored.RestoreFromSnapshot(state, 2))
	value, version := restored.Value()
	assert.Equal(t, "second", value)
	assert.Equal(t, uint64(2), version)
}
