package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		want := sampleCheckpoint("job-a", 9)
		data, err := Encode(want, compress)
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestCodec_Deterministic(t *testing.T) {
	a, err := Encode(sampleCheckpoint("job-a", 9), false)
	require.NoError(t, err)
	b, err := Encode(sampleCheckpoint("job-a", 9), false)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCodec_RejectsDamage(t *testing.T) {
	good, err := Encode(sampleCheckpoint("job-a", 9), true)
	require.NoError(t, err)

	tests := map[string][]byte{
		"empty":     nil,
		"truncated": good[:headerSize-1],
		"magic":     append([]byte("XXXX"), good[4:]...),
		"version":   append(append([]byte(nil), good[:4]...), append([]byte{99}, good[5:]...)...),
		"payload":   append(append([]byte(nil), good[:len(good)-1]...), good[len(good)-1]^0x01),
		"checksum":  append(append(append([]byte(nil), good[:6]...), make([]byte, 8)...), good[headerSize:]...),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			assert.Error(t, err)
		})
	}
}

func TestCheckpoint_Validate(t *testing.T) {
	cp := sampleCheckpoint("job-a", 1)
	require.NoError(t, cp.Validate())

	cp.JobID = ""
	assert.Error(t, cp.Validate())

	cp = sampleCheckpoint("job-a", 0)
	assert.Error(t, cp.Validate())

	cp = sampleCheckpoint("job-a", 1)
	cp.Partitions[0].Index = 5
	assert.Error(t, cp.Validate())

	cp = sampleCheckpoint("job-a", 1)
	assert.NotNil(t, cp.Partition(1))
	assert.Nil(t, cp.Partition(2))
}
