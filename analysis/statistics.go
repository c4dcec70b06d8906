// Package analysis holds the consumers of recent buffered data: per-channel summary
// statistics, power spectra and a rate estimate for display. Inputs are plain lanes
// (one []float64 per channel) so any copy from a buffer read can be passed straight in.
package analysis

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ChannelStatistics summarizes one channel's samples.
type ChannelStatistics struct {
	Min  float64
	Max  float64
	Mean float64
	Std  float64 // population standard deviation
	RMS  float64
}

// Summarize computes statistics for one lane. The second result is false for an
// empty lane.
func Summarize(x []float64) (ChannelStatistics, bool) {
	if len(x) == 0 {
		return ChannelStatistics{}, false
	}
	mean, std := stat.PopMeanStdDev(x, nil)
	return ChannelStatistics{
		Min:  floats.Min(x),
		Max:  floats.Max(x),
		Mean: mean,
		Std:  std,
		RMS:  math.Sqrt(floats.Dot(x, x) / float64(len(x))),
	}, true
}

// Statistics summarizes each named channel. Channels without data (or without a
// lane) are left out of the result.
func Statistics(channels []string, lanes [][]float64) map[string]ChannelStatistics {
	out := make(map[string]ChannelStatistics)
	for i, name := range channels {
		if i >= len(lanes) {
			break
		}
		if s, ok := Summarize(lanes[i]); ok {
			out[name] = s
		}
	}
	return out
}

// EstimateRateHz returns the sampling rate implied by the mean spacing of timestamps
// in ms, or 0 when it cannot be estimated. It is meant for display and spectrum axes
// only; acquisition timestamps always come from the nominal rate.
func EstimateRateHz(timestampsMs []float64) float64 {
	if len(timestampsMs) < 2 {
		return 0
	}
	dt := make([]float64, len(timestampsMs)-1)
	floats.SubTo(dt, timestampsMs[1:], timestampsMs[:len(timestampsMs)-1])
	meanDt := stat.Mean(dt, nil)
	if !(meanDt > 0) {
		return 0
	}
	return 1000 / meanDt
}
