package analysis

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func TestSummarize(t *testing.T) {
	s, ok := Summarize([]float64{1, 2, 3, 4})
	require.True(t, ok)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.InDelta(t, 2.5, s.Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(1.25), s.Std, 1e-12)
	assert.InDelta(t, math.Sqrt(30.0/4), s.RMS, 1e-12)

	_, ok = Summarize(nil)
	assert.False(t, ok)
}

func TestStatisticsSkipsEmptyChannels(t *testing.T) {
	stats := Statistics([]string{"ai0", "ai1", "ai2"}, [][]float64{{-1, 1}, {}})
	require.Len(t, stats, 1)
	assert.Equal(t, 0.0, stats["ai0"].Mean)
	assert.Equal(t, 1.0, stats["ai0"].RMS)
}

func TestEstimateRateHz(t *testing.T) {
	var tests = []struct {
		ts     []float64
		expect float64
	}{
		{nil, 0},
		{[]float64{3}, 0},
		{[]float64{0, 1, 2, 3}, 1000},
		{[]float64{0, 5, 10}, 200},
		{[]float64{4, 4, 4}, 0},
	}
	for _, test := range tests {
		assert.InDelta(t, test.expect, EstimateRateHz(test.ts), 1e-9, "timestamps %v", test.ts)
	}
}

func TestFFTSize(t *testing.T) {
	assert.Equal(t, 256, fftSize(0, 256))
	assert.Equal(t, 256, fftSize(0, 300))
	assert.Equal(t, 16, fftSize(0, 31))
	assert.Equal(t, 100, fftSize(100, 300))
	assert.Equal(t, 50, fftSize(100, 50))
	assert.Equal(t, 0, fftSize(0, 0))
}

func sineData(n int, rate, freq float64) ([]float64, []float64) {
	ts := make([]float64, n)
	y := make([]float64, n)
	for i := range ts {
		ts[i] = float64(i) * 1000 / rate
		y[i] = math.Sin(2 * math.Pi * freq * float64(i) / rate)
	}
	return ts, y
}

func TestSpectrumFindsPeak(t *testing.T) {
	ts, y := sineData(300, 1000, 125)
	for _, w := range []WindowType{Hanning, Hamming, Blackman, Rectangle, "bogus"} {
		ps, err := Spectrum(ts, [][]float64{y}, SpectrumConfig{Window: w})
		require.NoError(t, err, "window %s", w)
		assert.Equal(t, 256, ps.FFTSize)
		assert.InDelta(t, 1000, ps.SampleRateHz, 1e-9)
		require.Len(t, ps.Frequencies, 129)
		require.Len(t, ps.PSD[0], 129)
		peak := floats.MaxIdx(ps.PSD[0])
		assert.InDelta(t, 125, ps.Frequencies[peak], 1000.0/256, "window %s", w)
	}
}

func TestSpectrumLimitsFrequency(t *testing.T) {
	ts, y := sineData(64, 1000, 100)
	ps, err := Spectrum(ts, [][]float64{y, y}, SpectrumConfig{Window: Hanning, MaxFrequencyHz: 100})
	require.NoError(t, err)
	require.Len(t, ps.PSD, 2)
	require.NotEmpty(t, ps.Frequencies)
	assert.LessOrEqual(t, ps.Frequencies[len(ps.Frequencies)-1], 100.0)
	assert.Len(t, ps.PSD[1], len(ps.Frequencies))
}

func TestSpectrumNeedsData(t *testing.T) {
	ts, y := sineData(31, 1000, 100)
	_, err := Spectrum(ts, [][]float64{y}, SpectrumConfig{})
	assert.True(t, errors.Is(err, ErrTooFewSamples))

	_, err = Spectrum(nil, nil, SpectrumConfig{})
	assert.True(t, errors.Is(err, ErrTooFewSamples))
}
