package analysis

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"math/cmplx"
	"strings"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
)

// MinFFTSize is the shortest transform Spectrum will compute.
const MinFFTSize = 32

// ErrTooFewSamples is returned when there is not enough data for a spectrum.
var ErrTooFewSamples = errors.New("too few samples for a spectrum")

// WindowType names a tapering window applied before the FFT.
type WindowType string

// The supported windows. Any unrecognized name is treated as Rectangle.
const (
	Hanning   WindowType = "hanning"
	Hamming   WindowType = "hamming"
	Blackman  WindowType = "blackman"
	Rectangle WindowType = "rectangle"
)

// SpectrumConfig controls Spectrum. FFTSize 0 selects the largest power of two that
// fits the data; MaxFrequencyHz <= 0 keeps every bin.
type SpectrumConfig struct {
	Window         WindowType
	FFTSize        int
	MaxFrequencyHz float64
}

// PowerSpectrum is the one-sided power spectral density of each channel, in dB.
type PowerSpectrum struct {
	SampleRateHz float64
	FFTSize      int
	Frequencies  []float64
	PSD          [][]float64 // one row per channel, 10*log10(V^2/Hz)
}

// floorPSD keeps log10 finite for empty bins.
const floorPSD = 1e-12

// fftSize picks the transform length for n available samples.
func fftSize(requested, n int) int {
	if requested > 0 {
		return min(requested, n)
	}
	if n < 1 {
		return 0
	}
	return 1 << (bits.Len(uint(n)) - 1)
}

// taper returns the window coefficients of length n.
func taper(w WindowType, n int) []float64 {
	coeffs := make([]float64, n)
	for i := range coeffs {
		coeffs[i] = 1
	}
	switch WindowType(strings.ToLower(string(w))) {
	case Hanning:
		return window.Hann(coeffs)
	case Hamming:
		return window.Hamming(coeffs)
	case Blackman:
		return window.Blackman(coeffs)
	}
	return window.Rectangular(coeffs)
}

// Spectrum computes the PSD of the most recent samples of each lane. The sampling
// rate is estimated from the timestamps (in ms).
func Spectrum(timestampsMs []float64, lanes [][]float64, cfg SpectrumConfig) (*PowerSpectrum, error) {
	fs := EstimateRateHz(timestampsMs)
	if fs <= 0 {
		return nil, fmt.Errorf("%w: cannot estimate a sampling rate from %d timestamps", ErrTooFewSamples, len(timestampsMs))
	}
	n := len(timestampsMs)
	for _, lane := range lanes {
		n = min(n, len(lane))
	}
	size := fftSize(cfg.FFTSize, n)
	if size < MinFFTSize {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrTooFewSamples, size, MinFFTSize)
	}

	w := taper(cfg.Window, size)
	windowPower := floats.Dot(w, w)
	fft := fourier.NewFFT(size)
	nbins := size/2 + 1
	keep := nbins
	freqs := make([]float64, 0, nbins)
	for i := 0; i < nbins; i++ {
		f := fft.Freq(i) * fs
		if cfg.MaxFrequencyHz > 0 && f > cfg.MaxFrequencyHz {
			keep = i
			break
		}
		freqs = append(freqs, f)
	}

	ps := &PowerSpectrum{
		SampleRateHz: fs,
		FFTSize:      size,
		Frequencies:  freqs,
		PSD:          make([][]float64, len(lanes)),
	}
	windowed := make([]float64, size)
	coeffs := make([]complex128, nbins)
	for c, lane := range lanes {
		floats.MulTo(windowed, lane[len(lane)-size:], w)
		coeffs = fft.Coefficients(coeffs, windowed)
		psd := make([]float64, keep)
		for i := range psd {
			p := math.Pow(cmplx.Abs(coeffs[i]), 2) / (fs * windowPower)
			psd[i] = 10 * math.Log10(math.Max(p, floorPSD))
		}
		ps.PSD[c] = psd
	}
	return ps, nil
}
