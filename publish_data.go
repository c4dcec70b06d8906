package daqring

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pebbe/zmq4"
	"github.com/usnistgov/daqring/getbytes"
	"go.uber.org/zap"
)

// seriesHeaderVersion identifies the layout written by seriesHeader.
const seriesHeaderVersion = 1

// seriesHeader returns the first frame of a published Series message: a version byte,
// the channel count (uint16) and the number of samples (uint32), little-endian.
func seriesHeader(s *Series) []byte {
	header := make([]byte, 0, 7)
	header = append(header, seriesHeaderVersion)
	header = binary.LittleEndian.AppendUint16(header, uint16(s.Nchan()))
	header = binary.LittleEndian.AppendUint32(header, uint32(s.Len()))
	return header
}

// seriesMessage returns all frames of a published Series: the header, the timestamps
// and one frame per channel, each as raw float64 values.
func seriesMessage(s *Series) [][]byte {
	frames := make([][]byte, 0, 2+s.Nchan())
	frames = append(frames, seriesHeader(s), getbytes.FromSliceFloat64(s.Timestamps))
	for _, lane := range s.Values {
		frames = append(frames, getbytes.FromSliceFloat64(lane))
	}
	return frames
}

// DecodeSeriesMessage rebuilds a Series from the frames written by PublishSeries.
func DecodeSeriesMessage(frames [][]byte) (*Series, error) {
	if len(frames) < 2 {
		return nil, fmt.Errorf("series message has %d frames, want at least 2", len(frames))
	}
	header := frames[0]
	if len(header) != 7 || header[0] != seriesHeaderVersion {
		return nil, fmt.Errorf("unrecognized series header % x", header)
	}
	nchan := int(binary.LittleEndian.Uint16(header[1:]))
	nsamp := int(binary.LittleEndian.Uint32(header[3:]))
	if len(frames) != 2+nchan {
		return nil, fmt.Errorf("series message has %d frames, header says %d channels", len(frames), nchan)
	}
	decode := func(frame []byte) ([]float64, error) {
		if len(frame) != 8*nsamp {
			return nil, fmt.Errorf("frame has %d bytes, want %d", len(frame), 8*nsamp)
		}
		out := make([]float64, nsamp)
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(frame[8*i:]))
		}
		return out, nil
	}
	s := &Series{Values: make([][]float64, nchan)}
	var err error
	if s.Timestamps, err = decode(frames[1]); err != nil {
		return nil, err
	}
	for c := range s.Values {
		if s.Values[c], err = decode(frames[2+c]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// PublishSeries publishes one multi-frame message per Series received on its input to
// a ZMQ PUB socket. It terminates when abort is closed or dataToPub is closed.
func PublishSeries(dataToPub <-chan *Series, abort <-chan struct{}, portnum int) error {
	hostname := fmt.Sprintf("tcp://*:%d", portnum)
	pubSocket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return err
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(hostname); err != nil {
		return err
	}

	for {
		select {
		case <-abort:
			return nil
		case s, ok := <-dataToPub:
			if !ok {
				return nil
			}
			if s.Len() == 0 {
				continue
			}
			frames := seriesMessage(s)
			parts := make([]any, len(frames))
			for i, f := range frames {
				parts[i] = f
			}
			if _, err := pubSocket.SendMessage(parts...); err != nil {
				ProblemLogger.Warn("[publish] cannot send series", zap.Error(err), zap.Int("samples", s.Len()))
			}
		}
	}
}
