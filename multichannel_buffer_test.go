package daqring

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSampleClock(t *testing.T) {
	_, err := NewSampleClock(0)
	assert.ErrorIs(t, err, ErrConfig)
	clock, err := NewSampleClock(1000)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, clock.RateHz())
	assert.Equal(t, 12345.0, clock.TimestampMs(12345))
	clock, _ = NewSampleClock(3)
	assert.InDelta(t, 333.333333, clock.TimestampMs(1), 1e-6)
}

func TestSeries(t *testing.T) {
	s := newSeries(2, 3)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, 2, s.Nchan())
	s.Values[0] = []float64{1, 2, 3}
	s.Values[1] = []float64{4, 5, 6}
	m := s.Matrix()
	r, c := m.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, 5.0, m.At(1, 1))
	assert.Nil(t, newSeries(2, 0).Matrix())

	b := NewBlock(3, 4, 9)
	assert.Equal(t, 3, b.Nchan())
	assert.Equal(t, 4, b.Nsamples())
	assert.Equal(t, 0, (&Block{}).Nsamples())
}

func TestMultiChannelBuffer(t *testing.T) {
	_, err := NewMultiChannelBuffer(0, 10)
	assert.ErrorIs(t, err, ErrConfig)
	_, err = NewMultiChannelBuffer(2, 0)
	assert.ErrorIs(t, err, ErrConfig)

	mcb, err := NewMultiChannelBuffer(2, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, mcb.Nchan())
	assert.Equal(t, 5, mcb.Capacity())

	empty := mcb.ReadRecent(All)
	assert.Equal(t, 0, empty.Len())
	assert.Equal(t, 2, empty.Nchan())

	require.NoError(t, mcb.Append([]float64{1, 2, 3}, [][]float64{{10, 20, 30}, {-1, -2, -3}}))
	require.NoError(t, mcb.Append([]float64{4, 5, 6, 7}, [][]float64{{40, 50, 60, 70}, {-4, -5, -6, -7}}))
	all := mcb.ReadRecent(All)
	assert.Equal(t, []float64{3, 4, 5, 6, 7}, all.Timestamps)
	assert.Equal(t, []float64{30, 40, 50, 60, 70}, all.Values[0])
	assert.Equal(t, []float64{-3, -4, -5, -6, -7}, all.Values[1])

	recent := mcb.ReadRecent(2)
	assert.Equal(t, []float64{6, 7}, recent.Timestamps)
	assert.Equal(t, []float64{-6, -7}, recent.Values[1])
	assert.Equal(t, 5, mcb.ReadRecent(100).Len())

	stats := mcb.Statistics()
	assert.Equal(t, BufferStatistics{Capacity: 5, Size: 5, UtilizationPercent: 100, TotalWritten: 7}, stats)

	err = mcb.Append([]float64{8}, [][]float64{{80}})
	assert.ErrorIs(t, err, ErrShapeMismatch)
	err = mcb.Append([]float64{8}, [][]float64{{80}, {}})
	assert.ErrorIs(t, err, ErrShapeMismatch)
	assert.Equal(t, all, mcb.ReadRecent(All), "a rejected append writes nothing")

	mcb.Clear()
	mcb.Clear()
	assert.Equal(t, 0, mcb.ReadRecent(All).Len())
	assert.Equal(t, BufferStatistics{Capacity: 5}, mcb.Statistics())
}

// Every sample written has lane c equal to (c+1) times its timestamp, so a reader
// seeing one lane updated without another would notice.
func TestMultiChannelBufferConcurrent(t *testing.T) {
	const (
		nchan   = 3
		writers = 4
		readers = 4
		ops     = 10000 / (writers + readers)
	)
	mcb, err := NewMultiChannelBuffer(nchan, 97)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range ops {
				n := 1 + (i+w)%11
				ts := make([]float64, n)
				values := make([][]float64, nchan)
				for c := range values {
					values[c] = make([]float64, n)
				}
				for k := range ts {
					ts[k] = float64(w*1000000 + i*100 + k)
					for c := range values {
						values[c][k] = ts[k] * float64(c+1)
					}
				}
				if err := mcb.Append(ts, values); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}

	errs := make(chan string, readers)
	for r := range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range ops {
				n := All
				if (i+r)%2 == 0 {
					n = 1 + i%50
				}
				s := mcb.ReadRecent(n)
				for c, lane := range s.Values {
					if len(lane) != s.Len() {
						errs <- "lane length differs from timestamps"
						return
					}
					for k, v := range lane {
						if v != s.Timestamps[k]*float64(c+1) {
							errs <- "torn read"
							return
						}
					}
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for e := range errs {
		t.Error(e)
	}
	assert.Equal(t, 97, mcb.Statistics().Size)
}

func TestAccumulationSink(t *testing.T) {
	_, err := NewAccumulationSink(0)
	assert.ErrorIs(t, err, ErrConfig)

	as, err := NewAccumulationSink(2)
	require.NoError(t, err)
	assert.Equal(t, 0, as.ExportReadyView().Len())

	require.NoError(t, as.Append([]float64{0, 1}, [][]float64{{1, 2}, {3, 4}}))
	require.NoError(t, as.AppendSeries(Series{Timestamps: []float64{2}, Values: [][]float64{{5}, {6}}}))
	assert.ErrorIs(t, as.Append([]float64{3}, [][]float64{{7}}), ErrShapeMismatch)
	assert.Equal(t, 3, as.Len())

	view := as.ExportReadyView()
	assert.Equal(t, []float64{0, 1, 2}, view.Timestamps)
	assert.Equal(t, [][]float64{{1, 2, 5}, {3, 4, 6}}, view.Values)
	view.Values[0][0] = 99
	assert.Equal(t, 1.0, as.ExportReadyView().Values[0][0], "the view is a copy")

	as.Clear()
	assert.Equal(t, 0, as.Len())
	assert.Equal(t, 2, as.ExportReadyView().Nchan())
}
