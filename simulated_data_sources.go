package daqring

import (
	"context"
	"fmt"
	"math"
	"time"
)

// ErrReadTimeout is returned by ReadBlock when the samples are not ready within the timeout.
var ErrReadTimeout = fmt.Errorf("timed out waiting for samples")

// AnySource implements features common to the simulated sources: names, rate and
// the pacing of reads so that data arrive no faster than the nominal rate.
type AnySource struct {
	nchan      int      // how many channels to provide
	name       string   // what kind of source is this?
	chanNames  []string // one name per channel
	sampleRate float64  // samples per second
	nextIndex  uint64   // raw index of the next sample to produce
	lastread   time.Time
	isOpen     bool
}

// Name returns the kind of source.
func (ds *AnySource) Name() string {
	return ds.name
}

// Nchan returns the current number of valid channels in the data source.
func (ds *AnySource) Nchan() int {
	return ds.nchan
}

// ChannelNames returns the names of the channels being read.
func (ds *AnySource) ChannelNames() []string {
	return ds.chanNames
}

// SampleRate returns the nominal sampling rate in Hz.
func (ds *AnySource) SampleRate() float64 {
	return ds.sampleRate
}

// openFor takes channel names and rate from cfg and restarts the sample count.
func (ds *AnySource) openFor(cfg *AcquisitionConfig) error {
	if ds.isOpen {
		return fmt.Errorf("source %s is already open", ds.name)
	}
	if len(cfg.Channels) == 0 {
		return configErrorf("channels", "at least one analog input must be given")
	}
	if !(cfg.SamplingRateHz > 0) {
		return configErrorf("sampling rate", "must be > 0 Hz, got %v", cfg.SamplingRateHz)
	}
	ds.chanNames = append([]string{}, cfg.Channels...)
	ds.nchan = len(cfg.Channels)
	ds.sampleRate = cfg.SamplingRateHz
	ds.nextIndex = 0
	ds.lastread = time.Now()
	ds.isOpen = true
	return nil
}

// Close marks the source closed.
func (ds *AnySource) Close() error {
	ds.isOpen = false
	return nil
}

// waitForSamples blocks until nsamples more samples would have been acquired at the
// nominal rate since the last read.
func (ds *AnySource) waitForSamples(ctx context.Context, nsamples int, timeout time.Duration) error {
	if !ds.isOpen {
		return fmt.Errorf("source %s is not open", ds.name)
	}
	if nsamples <= 0 {
		return configErrorf("samples per read", "must be >= 1, got %d", nsamples)
	}
	span := time.Duration(float64(nsamples) / ds.sampleRate * float64(time.Second))
	ready := ds.lastread.Add(span)
	waittime := time.Until(ready)
	if waittime > 0 {
		if timeout > 0 && waittime > timeout {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(timeout):
				return fmt.Errorf("%w: %d samples need %v", ErrReadTimeout, nsamples, waittime)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waittime):
		}
	}
	ds.lastread = ready
	return nil
}

// synthesize fills a new block with f(channel, raw index).
func (ds *AnySource) synthesize(nsamples int, f func(c int, idx uint64) float64) *Block {
	block := NewBlock(ds.nchan, nsamples, ds.nextIndex)
	for c, lane := range block.Lanes {
		for k := range lane {
			lane[k] = f(c, ds.nextIndex+uint64(k))
		}
	}
	ds.nextIndex += uint64(nsamples)
	return block
}

// TriangleSourceConfig holds the arguments needed to call TriangleSource.Configure by RPC.
type TriangleSourceConfig struct {
	Min, Max     float64 // volts
	CycleSamples int     // samples per full up-and-down cycle
}

// TriangleSource is a DataSource that synthesizes triangle waves. Channel c is delayed
// by c/Nchan of a cycle relative to channel 0.
type TriangleSource struct {
	minval   float64
	maxval   float64
	cycleLen int
	AnySource
}

// NewTriangleSource creates a new TriangleSource with default levels.
func NewTriangleSource() *TriangleSource {
	ts := &TriangleSource{minval: 0, maxval: 1, cycleLen: 100}
	ts.name = "triangle"
	return ts
}

// Configure sets the wave's levels and period.
func (ts *TriangleSource) Configure(config *TriangleSourceConfig) error {
	if ts.isOpen {
		return fmt.Errorf("cannot configure triangle source while it is open")
	}
	if !(config.Min < config.Max) {
		return configErrorf("triangle levels", "need Min < Max, got [%v, %v]", config.Min, config.Max)
	}
	if config.CycleSamples < 2 {
		return configErrorf("triangle cycle", "must be >= 2 samples, got %d", config.CycleSamples)
	}
	ts.minval = config.Min
	ts.maxval = config.Max
	ts.cycleLen = config.CycleSamples
	return nil
}

// Open prepares the source for the channels and rate of cfg.
func (ts *TriangleSource) Open(cfg *AcquisitionConfig) error {
	return ts.openFor(cfg)
}

// value returns the triangle wave at raw index idx of channel c.
func (ts *TriangleSource) value(c int, idx uint64) float64 {
	offset := uint64(c * ts.cycleLen / ts.nchan)
	phase := float64((idx+offset)%uint64(ts.cycleLen)) / float64(ts.cycleLen)
	frac := 2 * phase
	if phase >= 0.5 {
		frac = 2 - 2*phase
	}
	return ts.minval + frac*(ts.maxval-ts.minval)
}

// ReadBlock blocks and then reads data when "enough" is ready.
func (ts *TriangleSource) ReadBlock(ctx context.Context, nsamples int, timeout time.Duration) (*Block, error) {
	if err := ts.waitForSamples(ctx, nsamples, timeout); err != nil {
		return nil, err
	}
	return ts.synthesize(nsamples, ts.value), nil
}

// SineSourceConfig holds the arguments needed to call SineSource.Configure by RPC.
type SineSourceConfig struct {
	Amplitude   float64 // volts
	Offset      float64 // volts
	FrequencyHz float64 // frequency of channel 0; channel c runs at (c+1) times this
}

// SineSource is a DataSource that synthesizes sine waves, a distinct harmonic on each
// channel, which makes it a handy source for the spectrum display.
type SineSource struct {
	amplitude float64
	offset    float64
	freq      float64
	AnySource
}

// NewSineSource creates a new SineSource with default settings.
func NewSineSource() *SineSource {
	ss := &SineSource{amplitude: 1, freq: 10}
	ss.name = "sine"
	return ss
}

// Configure sets amplitude, offset and base frequency.
func (ss *SineSource) Configure(config *SineSourceConfig) error {
	if ss.isOpen {
		return fmt.Errorf("cannot configure sine source while it is open")
	}
	if !(config.FrequencyHz > 0) {
		return configErrorf("sine frequency", "must be > 0 Hz, got %v", config.FrequencyHz)
	}
	ss.amplitude = config.Amplitude
	ss.offset = config.Offset
	ss.freq = config.FrequencyHz
	return nil
}

// Open prepares the source for the channels and rate of cfg.
func (ss *SineSource) Open(cfg *AcquisitionConfig) error {
	return ss.openFor(cfg)
}

func (ss *SineSource) value(c int, idx uint64) float64 {
	t := float64(idx) / ss.sampleRate
	return ss.offset + ss.amplitude*math.Sin(2*math.Pi*ss.freq*float64(c+1)*t)
}

// ReadBlock blocks and then reads data when "enough" is ready.
func (ss *SineSource) ReadBlock(ctx context.Context, nsamples int, timeout time.Duration) (*Block, error) {
	if err := ss.waitForSamples(ctx, nsamples, timeout); err != nil {
		return nil, err
	}
	return ss.synthesize(nsamples, ss.value), nil
}
