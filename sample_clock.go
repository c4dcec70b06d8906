package daqring

// SampleClock maps raw sample indices to milliseconds since the start of a session.
// Timestamps come from the index and the nominal rate only, never from wall-clock time,
// so they are exact and monotonic regardless of when reads happen.
type SampleClock struct {
	rateHz float64
}

// NewSampleClock returns a clock for the given nominal sampling rate.
func NewSampleClock(rateHz float64) (*SampleClock, error) {
	if !(rateHz > 0) {
		return nil, configErrorf("sampling rate", "must be > 0 Hz, got %v", rateHz)
	}
	return &SampleClock{rateHz: rateHz}, nil
}

// RateHz returns the nominal sampling rate.
func (c *SampleClock) RateHz() float64 {
	return c.rateHz
}

// TimestampMs returns the time of raw sample rawIndex, (rawIndex / rate) * 1000.
func (c *SampleClock) TimestampMs(rawIndex uint64) float64 {
	return float64(rawIndex) * 1000 / c.rateHz
}
