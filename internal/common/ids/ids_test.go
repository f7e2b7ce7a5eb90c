package ids

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineID(t *testing.T) {
	assert.Equal(t, "fixed", MachineID("fixed", "host-a"))

	a := MachineID("", "host-a")
	assert.Equal(t, a, MachineID("", "host-a"))
	assert.NotEqual(t, a, MachineID("", "host-b"))
	_, err := uuid.Parse(a)
	require.NoError(t, err)

	assert.NotEqual(t, MachineID("", ""), MachineID("", ""))
}

func TestGenerators(t *testing.T) {
	_, err := uuid.Parse(UUID{}.NewID())
	require.NoError(t, err)
	assert.Equal(t, "x", Func(func() string { return "x" }).NewID())
}
