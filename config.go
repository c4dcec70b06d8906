package daqring

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// MaxAIChannels is the number of analog input lines a device may expose (ai0..ai15).
const MaxAIChannels = 16

// AcquisitionConfig holds everything needed to run one acquisition session. The field
// names double as the keys of the "acquisition" section of the config file.
type AcquisitionConfig struct {
	Channels       []string      // analog input names, such as "ai0" or "/Dev1/ai3"
	SamplingRateHz float64       // nominal per-channel sampling rate
	AverageSpanMs  float64       // <= 0 disables averaging
	Rolling        bool          // rolling mean if true, block-mean downsampling if false
	RingCapacity   int           // samples per channel kept for live readers
	Accumulate     bool          // keep every processed sample for export
	SamplesPerRead int           // raw samples per channel requested from the source per read
	ReadTimeout    time.Duration // longest wait for one read
	VMin           float64       // input range, used for quantization on export
	VMax           float64
	ADCBits        int
}

// DefaultAcquisitionConfig returns a single-channel configuration that works with the
// simulated sources.
func DefaultAcquisitionConfig() AcquisitionConfig {
	return AcquisitionConfig{
		Channels:       []string{"ai0"},
		SamplingRateHz: 200,
		Rolling:        true,
		RingCapacity:   10000,
		Accumulate:     true,
		SamplesPerRead: 20,
		ReadTimeout:    10 * time.Second,
		VMin:           -1.0,
		VMax:           3.5,
		ADCBits:        16,
	}
}

// NormalizeChannels canonicalizes analog input names: trims and lower-cases them,
// strips any "/Dev1/" style device prefix, checks the index is in range, and drops
// duplicates while keeping the first-seen order.
func NormalizeChannels(names []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, name := range names {
		s := strings.ToLower(strings.TrimSpace(name))
		if i := strings.LastIndex(s, "/"); i >= 0 {
			s = s[i+1:]
		}
		if !strings.HasPrefix(s, "ai") {
			return nil, configErrorf("channel", "only analog input channels are supported, got %q", name)
		}
		idx, err := strconv.Atoi(s[2:])
		if err != nil {
			return nil, configErrorf("channel", "cannot parse analog input %q", name)
		}
		if idx < 0 || idx >= MaxAIChannels {
			return nil, configErrorf("channel", "index out of range: ai%d", idx)
		}
		canonical := fmt.Sprintf("ai%d", idx)
		if !seen[canonical] {
			seen[canonical] = true
			out = append(out, canonical)
		}
	}
	if len(out) == 0 {
		return nil, configErrorf("channels", "at least one analog input must be given")
	}
	return out, nil
}

// Validate checks the configuration and normalizes its channel list in place.
func (c *AcquisitionConfig) Validate() error {
	channels, err := NormalizeChannels(c.Channels)
	if err != nil {
		return err
	}
	if !(c.SamplingRateHz > 0) || math.IsInf(c.SamplingRateHz, 0) {
		return configErrorf("sampling rate", "must be > 0 Hz, got %v", c.SamplingRateHz)
	}
	if _, err := WindowFromSpan(c.AverageSpanMs, c.SamplingRateHz); err != nil {
		return err
	}
	if c.RingCapacity < 1 {
		return configErrorf("ring capacity", "must be >= 1, got %d", c.RingCapacity)
	}
	if c.SamplesPerRead < 1 {
		return configErrorf("samples per read", "must be >= 1, got %d", c.SamplesPerRead)
	}
	if c.ReadTimeout < 0 {
		return configErrorf("read timeout", "must not be negative, got %v", c.ReadTimeout)
	}
	if !(c.VMin < c.VMax) {
		return configErrorf("voltage range", "need VMin < VMax, got [%v, %v]", c.VMin, c.VMax)
	}
	if c.ADCBits < 1 || c.ADCBits > 32 {
		return configErrorf("ADC bits", "must be in [1, 32], got %d", c.ADCBits)
	}
	c.Channels = channels
	return nil
}

// Averaging returns the averaging mode and window this configuration asks for.
func (c *AcquisitionConfig) Averaging() (AveragingMode, int, error) {
	return AveragingFor(c.AverageSpanMs, c.SamplingRateHz, c.Rolling)
}
