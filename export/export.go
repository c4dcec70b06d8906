package export

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// ErrNoData is returned when there is nothing to export.
var ErrNoData = errors.New("no data accumulated to save")

// Metadata describes where a Dataset came from.
type Metadata struct {
	SessionID string
	Device    string
	Channels  []string
	VMin      float64
	VMax      float64
	ADCBits   int
	RateHz    float64
	Created   time.Time
}

// Dataset is a session's accumulated samples with their description.
type Dataset struct {
	Metadata
	Timestamps []float64   // ms
	Values     [][]float64 // one lane per channel
}

// Len returns the number of samples.
func (ds *Dataset) Len() int {
	return len(ds.Timestamps)
}

func (ds *Dataset) check() error {
	if ds.Len() == 0 {
		return ErrNoData
	}
	if len(ds.Values) != len(ds.Channels) {
		return fmt.Errorf("dataset has %d channel names but %d lanes", len(ds.Channels), len(ds.Values))
	}
	for c, lane := range ds.Values {
		if len(lane) != ds.Len() {
			return fmt.Errorf("lane %d has %d samples, want %d", c, len(lane), ds.Len())
		}
	}
	return nil
}

func (ds *Dataset) quantizer(mode RoundMode) Quantizer {
	return Quantizer{VMin: ds.VMin, VMax: ds.VMax, Bits: ds.ADCBits, Mode: mode}
}

// Options controls Save.
type Options struct {
	Quantize    bool
	Round       RoundMode
	JSONSidecar bool
	NPY         bool
}

// prepared holds the values as they will be written, and their display precision.
type prepared struct {
	values   [][]float64
	lsb      float64
	decimals int
}

func prepare(ds *Dataset, opts Options) prepared {
	q := ds.quantizer(opts.Round)
	p := prepared{values: ds.Values, lsb: q.LSB(), decimals: q.Decimals()}
	if opts.Quantize {
		p.values = q.QuantizeLanes(ds.Values)
	}
	return p
}

func (ds *Dataset) headerLines(p prepared) []string {
	return []string{
		fmt.Sprintf("# session=%s", ds.SessionID),
		fmt.Sprintf("# device=%s", ds.Device),
		fmt.Sprintf("# channels=%s", strings.Join(ds.Channels, ",")),
		fmt.Sprintf("# vmin=%v vmax=%v", ds.VMin, ds.VMax),
		fmt.Sprintf("# adc_bits=%d lsb_volts=%.6e decimals=%d", max(1, ds.ADCBits), p.lsb, p.decimals),
		fmt.Sprintf("# rate_hz=%v total_samples=%d", ds.RateHz, ds.Len()),
		fmt.Sprintf("# datetime=%s", ds.Created.Format(time.RFC3339)),
	}
}

// WriteCSV writes "#" metadata lines, a header row
// (sample_index,timestamp_ms,<channels>) and one row per sample.
func WriteCSV(w io.Writer, ds *Dataset, opts Options) error {
	if err := ds.check(); err != nil {
		return err
	}
	p := prepare(ds, opts)
	bw := bufio.NewWriter(w)
	for _, line := range ds.headerLines(p) {
		if _, err := bw.WriteString(line + "\n"); err != nil {
			return err
		}
	}
	cw := csv.NewWriter(bw)
	if err := cw.Write(append([]string{"sample_index", "timestamp_ms"}, ds.Channels...)); err != nil {
		return err
	}
	row := make([]string, 2+len(ds.Channels))
	for i, ts := range ds.Timestamps {
		row[0] = strconv.Itoa(i)
		row[1] = strconv.FormatFloat(ts, 'f', 6, 64)
		for c, lane := range p.values {
			row[2+c] = strconv.FormatFloat(lane[i], 'f', p.decimals, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

// sidecar is the JSON layout written by WriteJSON.
type sidecar struct {
	SessionID    string               `json:"session_id"`
	Device       string               `json:"device"`
	Channels     []string             `json:"channels"`
	VMin         float64              `json:"v_min"`
	VMax         float64              `json:"v_max"`
	ADCBits      int                  `json:"adc_bits"`
	LSBVolts     float64              `json:"lsb_volts"`
	Decimals     int                  `json:"decimals"`
	RateHz       float64              `json:"rate_hz"`
	TotalSamples int                  `json:"total_samples"`
	Datetime     string               `json:"datetime"`
	SampleIndex  []int                `json:"sample_index"`
	TimestampMs  []float64            `json:"timestamp_ms"`
	Data         map[string][]float64 `json:"data"`
}

// WriteJSON writes the metadata and all samples as one JSON document. Timestamps keep
// full precision; values are rounded to the displayed number of decimals.
func WriteJSON(w io.Writer, ds *Dataset, opts Options) error {
	if err := ds.check(); err != nil {
		return err
	}
	p := prepare(ds, opts)
	sc := sidecar{
		SessionID:    ds.SessionID,
		Device:       ds.Device,
		Channels:     ds.Channels,
		VMin:         ds.VMin,
		VMax:         ds.VMax,
		ADCBits:      max(1, ds.ADCBits),
		LSBVolts:     p.lsb,
		Decimals:     p.decimals,
		RateHz:       ds.RateHz,
		TotalSamples: ds.Len(),
		Datetime:     ds.Created.Format(time.RFC3339),
		SampleIndex:  make([]int, ds.Len()),
		TimestampMs:  ds.Timestamps,
		Data:         make(map[string][]float64, len(ds.Channels)),
	}
	for i := range sc.SampleIndex {
		sc.SampleIndex[i] = i
	}
	for c, name := range ds.Channels {
		rounded := make([]float64, ds.Len())
		for i, v := range p.values[c] {
			rounded[i], _ = strconv.ParseFloat(strconv.FormatFloat(v, 'f', p.decimals, 64), 64)
		}
		sc.Data[name] = rounded
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sc)
}

// Matrix returns the samples as an N x (1+C) matrix: timestamps in column 0, then one
// column per channel.
func Matrix(ds *Dataset, opts Options) (*mat.Dense, error) {
	if err := ds.check(); err != nil {
		return nil, err
	}
	p := prepare(ds, opts)
	m := mat.NewDense(ds.Len(), 1+len(p.values), nil)
	m.SetCol(0, ds.Timestamps)
	for c, lane := range p.values {
		m.SetCol(1+c, lane)
	}
	return m, nil
}

// WriteNPY writes Matrix(ds, opts) in NumPy .npy format.
func WriteNPY(w io.Writer, ds *Dataset, opts Options) error {
	m, err := Matrix(ds, opts)
	if err != nil {
		return err
	}
	return npyio.Write(w, m)
}

// Save writes ds to base.csv in dir, plus base.csv.json and base.npy as opts asks.
// It returns the paths written.
func Save(dir, base string, ds *Dataset, opts Options) ([]string, error) {
	if err := ds.check(); err != nil {
		return nil, err
	}
	base = strings.TrimSuffix(base, ".csv")
	csvName := filepath.Join(dir, base+".csv")
	written := []string{}
	write := func(name string, f func(io.Writer) error) error {
		fp, err := os.Create(name)
		if err != nil {
			return err
		}
		if err := f(fp); err != nil {
			fp.Close()
			return fmt.Errorf("writing %s: %w", name, err)
		}
		if err := fp.Close(); err != nil {
			return err
		}
		written = append(written, name)
		return nil
	}

	if err := write(csvName, func(w io.Writer) error { return WriteCSV(w, ds, opts) }); err != nil {
		return written, err
	}
	if opts.JSONSidecar {
		if err := write(csvName+".json", func(w io.Writer) error { return WriteJSON(w, ds, opts) }); err != nil {
			return written, err
		}
	}
	if opts.NPY {
		if err := write(filepath.Join(dir, base+".npy"), func(w io.Writer) error { return WriteNPY(w, ds, opts) }); err != nil {
			return written, err
		}
	}
	return written, nil
}

// MakeRunDirectory creates directory of the form basepath/20060102/000 where
// the 3-digit subdirectory counts separate export occasions, and returns its path.
func MakeRunDirectory(basepath string, now time.Time) (string, error) {
	if len(basepath) == 0 {
		return "", fmt.Errorf("BasePath is the empty string")
	}
	today := now.Format("20060102")
	todayDir := filepath.Join(basepath, today)
	if err := os.MkdirAll(todayDir, 0755); err != nil {
		return "", err
	}
	for i := 0; i < 1000; i++ {
		thisDir := filepath.Join(todayDir, fmt.Sprintf("%3.3d", i))
		if _, err := os.Stat(thisDir); os.IsNotExist(err) {
			if err2 := os.Mkdir(thisDir, 0755); err2 != nil {
				return "", err2
			}
			return thisDir, nil
		}
	}
	return "", fmt.Errorf("out of 3-digit ID numbers for today in %s", todayDir)
}
