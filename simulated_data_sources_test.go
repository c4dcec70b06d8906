package daqring

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTriangle(t *testing.T) {
	ts := NewTriangleSource()
	assert.Equal(t, "triangle", ts.Name())
	assert.ErrorIs(t, ts.Configure(&TriangleSourceConfig{Min: 1, Max: 1, CycleSamples: 4}), ErrConfig)
	assert.ErrorIs(t, ts.Configure(&TriangleSourceConfig{Min: 0, Max: 1, CycleSamples: 1}), ErrConfig)
	require.NoError(t, ts.Configure(&TriangleSourceConfig{Min: -1, Max: 1, CycleSamples: 4}))

	ctx := context.Background()
	_, err := ts.ReadBlock(ctx, 4, time.Second)
	assert.Error(t, err, "ReadBlock before Open")

	cfg := AcquisitionConfig{Channels: []string{"ai0", "ai1"}, SamplingRateHz: 1e6}
	require.NoError(t, ts.Open(&cfg))
	assert.Error(t, ts.Open(&cfg), "already open")
	assert.Error(t, ts.Configure(&TriangleSourceConfig{Min: 0, Max: 1, CycleSamples: 4}), "configure while open")
	assert.Equal(t, 2, ts.Nchan())
	assert.Equal(t, []string{"ai0", "ai1"}, ts.ChannelNames())
	assert.Equal(t, 1e6, ts.SampleRate())

	b, err := ts.ReadBlock(ctx, 4, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), b.FirstIndex)
	assert.Equal(t, []float64{-1, 0, 1, 0}, b.Lanes[0])
	assert.Equal(t, []float64{1, 0, -1, 0}, b.Lanes[1], "second channel is half a cycle later")

	b, err = ts.ReadBlock(ctx, 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), b.FirstIndex)
	assert.Equal(t, []float64{-1, 0}, b.Lanes[0])

	_, err = ts.ReadBlock(ctx, 0, time.Second)
	assert.ErrorIs(t, err, ErrConfig)
	require.NoError(t, ts.Close())
}

func TestSine(t *testing.T) {
	ss := NewSineSource()
	assert.ErrorIs(t, ss.Configure(&SineSourceConfig{Amplitude: 1, FrequencyHz: 0}), ErrConfig)
	require.NoError(t, ss.Configure(&SineSourceConfig{Amplitude: 2, Offset: 0.5, FrequencyHz: 250}))
	cfg := AcquisitionConfig{Channels: []string{"ai0", "ai5"}, SamplingRateHz: 1000}
	require.NoError(t, ss.Open(&cfg))
	defer ss.Close()

	b, err := ss.ReadBlock(context.Background(), 4, time.Second)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, 2.5, 0.5, -1.5}, b.Lanes[0], 1e-9)
	assert.InDeltaSlice(t, []float64{0.5, 0.5, 0.5, 0.5}, b.Lanes[1], 1e-9, "second harmonic at 500 Hz samples the zeros")
	for _, v := range b.Lanes[0] {
		assert.False(t, math.IsNaN(v))
	}
}

func TestSimulatedPacing(t *testing.T) {
	ts := NewTriangleSource()
	cfg := AcquisitionConfig{Channels: []string{"ai0"}, SamplingRateHz: 1000}
	require.NoError(t, ts.Open(&cfg))
	defer ts.Close()

	start := time.Now()
	for range 3 {
		_, err := ts.ReadBlock(context.Background(), 10, time.Second)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond, "30 samples at 1 kHz take 30 ms")

	_, err := ts.ReadBlock(context.Background(), 1000, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrReadTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = ts.ReadBlock(ctx, 1000, time.Second)
	assert.True(t, errors.Is(err, context.Canceled))
}
