package daqring

import (
	"gonum.org/v1/gonum/mat"
)

// Block is one read from a DataSource: one lane of raw samples per channel, all lanes
// of equal length. FirstIndex is the raw index of the first sample in every lane.
type Block struct {
	Lanes      [][]float64
	FirstIndex uint64
	err        error // set only by the producer goroutine, to end the session
}

// NewBlock allocates a zeroed Block of nchan lanes with nsamp samples each.
func NewBlock(nchan, nsamp int, firstIndex uint64) *Block {
	b := &Block{Lanes: make([][]float64, nchan), FirstIndex: firstIndex}
	for i := range b.Lanes {
		b.Lanes[i] = make([]float64, nsamp)
	}
	return b
}

// Nchan returns the number of channel lanes.
func (b *Block) Nchan() int {
	return len(b.Lanes)
}

// Nsamples returns the length of the lanes (0 for a block without lanes).
func (b *Block) Nsamples() int {
	if len(b.Lanes) == 0 {
		return 0
	}
	return len(b.Lanes[0])
}

// checkShape verifies that b has nchan lanes of equal length.
func (b *Block) checkShape(nchan int) error {
	if len(b.Lanes) != nchan {
		return &ShapeMismatchError{What: "block channel count", Want: nchan, Got: len(b.Lanes)}
	}
	n := b.Nsamples()
	for _, lane := range b.Lanes {
		if len(lane) != n {
			return &ShapeMismatchError{What: "block lane length", Want: n, Got: len(lane)}
		}
	}
	return nil
}

// Series is a run of timestamped multi-channel values: the output of a WindowAverager
// and the result of every buffer read. Values holds one lane per channel, each as long
// as Timestamps.
type Series struct {
	Timestamps []float64 // ms since session start
	Values     [][]float64
}

// newSeries allocates a Series of nchan lanes with n samples each.
func newSeries(nchan, n int) Series {
	s := Series{
		Timestamps: make([]float64, n),
		Values:     make([][]float64, nchan),
	}
	for i := range s.Values {
		s.Values[i] = make([]float64, n)
	}
	return s
}

// Len returns the number of samples.
func (s Series) Len() int {
	return len(s.Timestamps)
}

// Nchan returns the number of channel lanes.
func (s Series) Nchan() int {
	return len(s.Values)
}

// Matrix returns the values as a new Len() x Nchan() matrix, one row per sample.
// It returns nil when the series is empty, as gonum forbids zero-sized matrices.
func (s Series) Matrix() *mat.Dense {
	if s.Len() == 0 || s.Nchan() == 0 {
		return nil
	}
	m := mat.NewDense(s.Len(), s.Nchan(), nil)
	for c, lane := range s.Values {
		m.SetCol(c, lane)
	}
	return m
}

// checkSeriesShape verifies that values has nchan lanes as long as timestamps.
func checkSeriesShape(timestamps []float64, values [][]float64, nchan int) error {
	if len(values) != nchan {
		return &ShapeMismatchError{What: "channel count", Want: nchan, Got: len(values)}
	}
	for _, lane := range values {
		if len(lane) != len(timestamps) {
			return &ShapeMismatchError{What: "lane length", Want: len(timestamps), Got: len(lane)}
		}
	}
	return nil
}
