package audiodsp

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStereoToMono(t *testing.T) {
	in := []int16{1000, 2000, 100, 200}
	out, err := StereoToMono(in)
	require.NoError(t, err)
	assert.Equal(t, []int16{1500, 150}, out)
}

func TestStereoToMonoOddLength(t *testing.T) {
	_, err := StereoToMono([]int16{1, 2, 3})
	assert.Error(t, err)
}

func TestInt16Float32RoundTrip(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768, 12345, -12345}
	floats := Int16ToFloat32(in)
	out := Float32ToInt16(floats)
	for i := range in {
		assert.InDelta(t, int(in[i]), int(out[i]), 1)
	}
}

func TestResampleIdentity(t *testing.T) {
	in := []int16{1, 2, 3, 4}
	out, err := Resample(in, 48000, 48000)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestResampleLength(t *testing.T) {
	in := make([]int16, 1920)
	for i := range in {
		if i%2 == 0 {
			in[i] = 1000
		} else {
			in[i] = 2000
		}
	}
	mono, err := StereoToMono(in)
	require.NoError(t, err)
	require.Len(t, mono, 960)

	out, err := Resample(mono, 48000, 24000)
	require.NoError(t, err)
	assert.Equal(t, 480, len(out))
}

func TestResampleInvalidRate(t *testing.T) {
	_, err := Resample([]int16{1, 2}, 0, 100)
	assert.Error(t, err)
}

func TestPackWebRTCFrameScenario(t *testing.T) {
	samples := make([]int16, 1920)
	for i := 0; i < len(samples); i += 2 {
		samples[i] = 1000
		samples[i+1] = 2000
	}
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		pcm[2*i] = byte(uint16(s))
		pcm[2*i+1] = byte(uint16(s) >> 8)
	}

	out, err := PackWebRTCFrame(pcm, 48000, 24000, true)
	require.NoError(t, err)
	require.Equal(t, 480*4, len(out))

	first := float32FromBytesLE(out[:4])
	assert.InDelta(t, 1500.0/32768.0, first, 0.01)
}

func float32FromBytesLE(b []byte) float32 {
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits)
}
