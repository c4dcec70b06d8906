package daqring

import (
	"sync"

	"github.com/usnistgov/daqring/ringbuffer"
)

// All may be passed to MultiChannelBuffer.ReadRecent to read everything buffered.
const All = -1

// BufferStatistics summarizes the fill state of a MultiChannelBuffer.
type BufferStatistics struct {
	Capacity           int
	Size               int
	UtilizationPercent float64
	TotalWritten       uint64
}

// MultiChannelBuffer holds the most recent processed samples of every channel, plus
// their timestamps, in parallel ring buffers that always move together. One mutex
// covers all lanes, so readers never see some lanes updated and others not.
type MultiChannelBuffer struct {
	nchan int
	times *ringbuffer.RingBuffer[float64]
	lanes []*ringbuffer.RingBuffer[float64]
	mu    sync.Mutex
}

// NewMultiChannelBuffer allocates a buffer of nchan lanes holding capacity samples each.
func NewMultiChannelBuffer(nchan, capacity int) (*MultiChannelBuffer, error) {
	if nchan < 1 {
		return nil, configErrorf("channel count", "must be >= 1, got %d", nchan)
	}
	times, err := ringbuffer.New[float64](capacity)
	if err != nil {
		return nil, configErrorf("ring capacity", "%v", err)
	}
	mcb := &MultiChannelBuffer{
		nchan: nchan,
		times: times,
		lanes: make([]*ringbuffer.RingBuffer[float64], nchan),
	}
	for i := range mcb.lanes {
		// capacity was already validated, so these cannot fail
		mcb.lanes[i], _ = ringbuffer.New[float64](capacity)
	}
	return mcb, nil
}

// Nchan returns the number of channel lanes.
func (mcb *MultiChannelBuffer) Nchan() int {
	return mcb.nchan
}

// Capacity returns the number of samples each lane can hold.
func (mcb *MultiChannelBuffer) Capacity() int {
	return mcb.times.Capacity()
}

// Append adds timestamps and one value lane per channel. If values does not have Nchan()
// lanes each as long as timestamps, a *ShapeMismatchError is returned and nothing is
// written.
func (mcb *MultiChannelBuffer) Append(timestamps []float64, values [][]float64) error {
	if err := checkSeriesShape(timestamps, values, mcb.nchan); err != nil {
		return err
	}
	if len(timestamps) == 0 {
		return nil
	}
	mcb.mu.Lock()
	defer mcb.mu.Unlock()
	mcb.times.AppendChunk(timestamps)
	for i, lane := range mcb.lanes {
		lane.AppendChunk(values[i])
	}
	return nil
}

// AppendSeries is Append for a Series.
func (mcb *MultiChannelBuffer) AppendSeries(s Series) error {
	return mcb.Append(s.Timestamps, s.Values)
}

// ReadRecent returns a copy of the most recent n samples of every lane (fewer if less is
// buffered). A negative n, such as All, returns everything buffered.
func (mcb *MultiChannelBuffer) ReadRecent(n int) Series {
	mcb.mu.Lock()
	defer mcb.mu.Unlock()
	if n < 0 {
		n = mcb.times.Size()
	}
	out := Series{
		Timestamps: mcb.times.Recent(n),
		Values:     make([][]float64, mcb.nchan),
	}
	for i, lane := range mcb.lanes {
		out.Values[i] = lane.Recent(n)
	}
	return out
}

// Clear empties every lane. Storage is kept for reuse.
func (mcb *MultiChannelBuffer) Clear() {
	mcb.mu.Lock()
	defer mcb.mu.Unlock()
	mcb.times.Clear()
	for _, lane := range mcb.lanes {
		lane.Clear()
	}
}

// Statistics returns a snapshot of the fill state.
func (mcb *MultiChannelBuffer) Statistics() BufferStatistics {
	mcb.mu.Lock()
	defer mcb.mu.Unlock()
	s := mcb.times.Stats()
	return BufferStatistics{
		Capacity:           s.Capacity,
		Size:               s.Size,
		UtilizationPercent: s.UtilizationPercent,
		TotalWritten:       s.TotalWritten,
	}
}
