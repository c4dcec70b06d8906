package daqring

import "sync"

// AccumulationSink keeps every processed sample of a session for later export.
// It grows without bound; long sessions should export and Clear periodically.
type AccumulationSink struct {
	nchan      int
	timestamps []float64
	values     [][]float64
	sync.Mutex
}

// NewAccumulationSink creates an empty sink for nchan channels.
func NewAccumulationSink(nchan int) (*AccumulationSink, error) {
	if nchan < 1 {
		return nil, configErrorf("channel count", "must be >= 1, got %d", nchan)
	}
	return &AccumulationSink{nchan: nchan, values: make([][]float64, nchan)}, nil
}

// Append adds timestamps and one value lane per channel, with the same shape rules
// as MultiChannelBuffer.Append.
func (as *AccumulationSink) Append(timestamps []float64, values [][]float64) error {
	if err := checkSeriesShape(timestamps, values, as.nchan); err != nil {
		return err
	}
	as.Lock()
	defer as.Unlock()
	as.timestamps = append(as.timestamps, timestamps...)
	for i := range as.values {
		as.values[i] = append(as.values[i], values[i]...)
	}
	return nil
}

// AppendSeries is Append for a Series.
func (as *AccumulationSink) AppendSeries(s Series) error {
	return as.Append(s.Timestamps, s.Values)
}

// ExportReadyView returns a copy of everything accumulated, in arrival order.
func (as *AccumulationSink) ExportReadyView() Series {
	as.Lock()
	defer as.Unlock()
	out := newSeries(as.nchan, len(as.timestamps))
	copy(out.Timestamps, as.timestamps)
	for i, v := range as.values {
		copy(out.Values[i], v)
	}
	return out
}

// Len returns the number of samples accumulated.
func (as *AccumulationSink) Len() int {
	as.Lock()
	defer as.Unlock()
	return len(as.timestamps)
}

// Clear discards everything accumulated.
func (as *AccumulationSink) Clear() {
	as.Lock()
	defer as.Unlock()
	as.timestamps = nil
	for i := range as.values {
		as.values[i] = nil
	}
}
