package daqring

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
)

// AveragingMode selects how a WindowAverager turns raw samples into output samples.
type AveragingMode int

// Names for the possible values of AveragingMode
const (
	NoAveraging AveragingMode = iota // every raw sample is passed through
	Rolling                          // causal moving mean, one output per raw sample
	Downsample                       // non-overlapping window means, one output per window
)

func (m AveragingMode) String() string {
	switch m {
	case NoAveraging:
		return "none"
	case Rolling:
		return "rolling"
	case Downsample:
		return "downsample"
	}
	return fmt.Sprintf("AveragingMode(%d)", int(m))
}

// WindowFromSpan converts an averaging span in ms into a window length in samples,
// round(span*rate/1000). A span <= 0 means no averaging and gives window 0.
func WindowFromSpan(spanMs, rateHz float64) (int, error) {
	if !(rateHz > 0) {
		return 0, configErrorf("sampling rate", "must be > 0 Hz, got %v", rateHz)
	}
	if spanMs <= 0 || math.IsNaN(spanMs) {
		return 0, nil
	}
	window := math.Round(spanMs * rateHz / 1000)
	if window < 1 {
		return 0, configErrorf("average span", "%v ms is shorter than one sample at %v Hz", spanMs, rateHz)
	}
	if window > math.MaxInt32 {
		return 0, configErrorf("average span", "%v ms gives an absurd window of %v samples", spanMs, window)
	}
	return int(window), nil
}

// AveragingFor returns the averaging mode and window for a span in ms. Rolling is
// chosen when rolling is true, block-mean downsampling otherwise.
func AveragingFor(spanMs, rateHz float64, rolling bool) (AveragingMode, int, error) {
	window, err := WindowFromSpan(spanMs, rateHz)
	if err != nil {
		return NoAveraging, 0, err
	}
	if window == 0 {
		return NoAveraging, 1, nil
	}
	if rolling {
		return Rolling, window, nil
	}
	return Downsample, window, nil
}

// WindowAverager converts raw blocks into timestamped output series, carrying the
// samples needed for continuity from one Process call to the next. It is owned by a
// single producer goroutine and is not safe for concurrent use.
type WindowAverager struct {
	mode    AveragingMode
	window  int
	nchan   int
	clock   *SampleClock
	tails   [][]float64 // per channel: last window-1 raw samples (Rolling) or the leftover (Downsample)
	counter uint64      // raw samples consumed since the last Reset
	scratch []float64   // tail ++ lane
	prefix  []float64   // prefix sums of scratch, with a leading zero
}

// NewWindowAverager creates a WindowAverager in its reset state.
func NewWindowAverager(clock *SampleClock, mode AveragingMode, window, nchan int) (*WindowAverager, error) {
	if clock == nil {
		return nil, configErrorf("sample clock", "must not be nil")
	}
	wa := &WindowAverager{clock: clock}
	if err := wa.Reconfigure(mode, window, nchan); err != nil {
		return nil, err
	}
	return wa, nil
}

// Mode returns the current averaging mode.
func (wa *WindowAverager) Mode() AveragingMode {
	return wa.mode
}

// Window returns the current window length in samples.
func (wa *WindowAverager) Window() int {
	return wa.window
}

// Nchan returns the number of channels each block must have.
func (wa *WindowAverager) Nchan() int {
	return wa.nchan
}

// RawCount returns the number of raw samples per channel consumed since the last Reset.
// It is also the raw index expected for the first sample of the next block.
func (wa *WindowAverager) RawCount() uint64 {
	return wa.counter
}

// Reconfigure changes mode, window and channel count. The carried tail is always
// discarded; the raw sample counter keeps running so timestamps stay monotonic.
// On error the averager is left unchanged.
func (wa *WindowAverager) Reconfigure(mode AveragingMode, window, nchan int) error {
	if nchan < 1 {
		return configErrorf("channel count", "must be >= 1, got %d", nchan)
	}
	switch mode {
	case NoAveraging:
		window = 1
	case Rolling, Downsample:
		if window < 1 {
			return configErrorf("averaging window", "must be >= 1 sample, got %d", window)
		}
	default:
		return configErrorf("averaging mode", "unknown mode %d", int(mode))
	}
	wa.mode = mode
	wa.window = window
	wa.nchan = nchan
	wa.resetTails()
	return nil
}

// Reset returns the averager to its session-start state: empty history and raw
// counter at zero.
func (wa *WindowAverager) Reset() {
	wa.resetTails()
	wa.counter = 0
}

// resetTails zero-fills the rolling history or empties the downsample leftover.
func (wa *WindowAverager) resetTails() {
	wa.tails = make([][]float64, wa.nchan)
	for c := range wa.tails {
		if wa.mode == Rolling && wa.window > 1 {
			wa.tails[c] = make([]float64, wa.window-1)
		} else {
			wa.tails[c] = make([]float64, 0, wa.window)
		}
	}
}

// checkState verifies that the carried tail fits the configuration.
func (wa *WindowAverager) checkState() error {
	if len(wa.tails) != wa.nchan {
		return &StateResetRequiredError{
			Reason: fmt.Sprintf("tail has %d channels, configured for %d", len(wa.tails), wa.nchan)}
	}
	for c, tail := range wa.tails {
		switch {
		case wa.mode == Rolling && wa.window > 1 && len(tail) != wa.window-1:
			return &StateResetRequiredError{
				Reason: fmt.Sprintf("rolling tail of channel %d has %d samples, want %d", c, len(tail), wa.window-1)}
		case wa.mode == Downsample && len(tail) >= wa.window:
			return &StateResetRequiredError{
				Reason: fmt.Sprintf("downsample tail of channel %d has %d samples, window is %d", c, len(tail), wa.window)}
		case len(tail) != len(wa.tails[0]):
			return &StateResetRequiredError{Reason: "channel tails differ in length"}
		}
	}
	return nil
}

// Process consumes one raw block and returns the output series for it. The block must
// have Nchan() lanes of equal length; otherwise a *ShapeMismatchError is returned and
// the averager is unchanged. In Downsample mode the result may be empty.
func (wa *WindowAverager) Process(block *Block) (Series, error) {
	if block == nil {
		return newSeries(wa.nchan, 0), nil
	}
	if err := block.checkShape(wa.nchan); err != nil {
		return Series{}, err
	}
	if err := wa.checkState(); err != nil {
		ProblemLogger.Warn("[averager] discarding averaging history", zap.Error(err),
			zap.Stringer("mode", wa.mode), zap.Int("window", wa.window))
		wa.resetTails()
	}

	n := block.Nsamples()
	if n == 0 {
		return newSeries(wa.nchan, 0), nil
	}

	var out Series
	switch {
	case wa.mode == Rolling && wa.window > 1:
		out = wa.rolling(block)
	case wa.mode == Downsample && wa.window > 1:
		out = wa.downsample(block)
	default:
		out = wa.passthrough(block)
	}
	wa.counter += uint64(n)
	return out, nil
}

func (wa *WindowAverager) passthrough(block *Block) Series {
	n := block.Nsamples()
	out := newSeries(wa.nchan, n)
	for k := range out.Timestamps {
		out.Timestamps[k] = wa.clock.TimestampMs(wa.counter + uint64(k))
	}
	for c, lane := range block.Lanes {
		copy(out.Values[c], lane)
	}
	return out
}

// extend fills wa.scratch with tail ++ lane and returns it.
func (wa *WindowAverager) extend(tail, lane []float64) []float64 {
	m := len(tail) + len(lane)
	if cap(wa.scratch) < m {
		wa.scratch = make([]float64, m)
	}
	ext := wa.scratch[:m]
	copy(ext, tail)
	copy(ext[len(tail):], lane)
	return ext
}

// rolling computes out[k] = mean of the window ending at raw sample k, using prefix
// sums over tail ++ lane.
func (wa *WindowAverager) rolling(block *Block) Series {
	n := block.Nsamples()
	w := wa.window
	out := newSeries(wa.nchan, n)
	for k := range out.Timestamps {
		out.Timestamps[k] = wa.clock.TimestampMs(wa.counter + uint64(k))
	}

	fw := float64(w)
	for c, lane := range block.Lanes {
		ext := wa.extend(wa.tails[c], lane)
		if cap(wa.prefix) < len(ext)+1 {
			wa.prefix = make([]float64, len(ext)+1)
		}
		prefix := wa.prefix[:len(ext)+1]
		prefix[0] = 0
		floats.CumSum(prefix[1:], ext)
		dst := out.Values[c]
		for k := range dst {
			dst[k] = (prefix[k+w] - prefix[k]) / fw
		}
		copy(wa.tails[c], ext[len(ext)-(w-1):])
	}
	return out
}

// downsample averages every complete window of tail ++ lane and keeps the leftover.
// Each output is labeled with the raw index of the last sample in its window.
func (wa *WindowAverager) downsample(block *Block) Series {
	w := wa.window
	carried := len(wa.tails[0])
	nwin := (carried + block.Nsamples()) / w
	out := newSeries(wa.nchan, nwin)

	tailStart := wa.counter - uint64(carried)
	for j := range out.Timestamps {
		out.Timestamps[j] = wa.clock.TimestampMs(tailStart + uint64(j*w+w-1))
	}

	fw := float64(w)
	for c, lane := range block.Lanes {
		ext := wa.extend(wa.tails[c], lane)
		dst := out.Values[c]
		for j := range dst {
			dst[j] = floats.Sum(ext[j*w:(j+1)*w]) / fw
		}
		wa.tails[c] = append(wa.tails[c][:0], ext[nwin*w:]...)
	}
	return out
}
