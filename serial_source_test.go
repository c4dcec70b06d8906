package daqring

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/zap/zaptest"
)

// encodePacket returns the wire form of packet number pn, whose reading i is pn*10+i.
func encodePacket(t *testing.T, pn uint32) []byte {
	pkt := serialPacket{PacketNumber: pn, Timestamp: pn * 4}
	for i := range pkt.RawReadings {
		pkt.RawReadings[i] = float32(pn*10 + uint32(i))
	}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, &pkt))
	buf.Write(serialStopSequence)
	require.Equal(t, serialPacketSize, buf.Len())
	return buf.Bytes()
}

func newFakeSerialSource(t *testing.T, stream []byte) *SerialSource {
	ss := NewSerialSource()
	ss.logger = zaptest.NewLogger(t)
	ss.openPort = func(name string, mode *serial.Mode) (io.ReadCloser, error) {
		assert.Equal(t, "/dev/ttyUSB0", name)
		assert.Equal(t, 115200, mode.BaudRate)
		return io.NopCloser(bytes.NewReader(stream)), nil
	}
	require.NoError(t, ss.Configure(&SerialSourceConfig{PortName: "/dev/ttyUSB0", BaudRate: 115200}))
	return ss
}

func TestSerialConfigure(t *testing.T) {
	ss := NewSerialSource()
	assert.Equal(t, "serial", ss.Name())
	assert.ErrorIs(t, ss.Configure(&SerialSourceConfig{BaudRate: 9600}), ErrConfig)
	assert.ErrorIs(t, ss.Configure(&SerialSourceConfig{PortName: "COM3"}), ErrConfig)

	cfg := AcquisitionConfig{Channels: []string{"ai0"}, SamplingRateHz: 100}
	assert.ErrorIs(t, ss.Open(&cfg), ErrConfig, "no port configured")

	_, err := channelReadings([]string{"ai7", "ai0"})
	assert.NoError(t, err)
	_, err = channelReadings([]string{"ai8"})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestSerialReadBlocks(t *testing.T) {
	var stream []byte
	stream = append(stream, []byte("partial packet\r\n")...)
	for pn := uint32(5); pn <= 7; pn++ {
		stream = append(stream, encodePacket(t, pn)...)
	}
	stream = append(stream, bytes.Repeat([]byte{0xAA}, serialPacketSize)...)
	stream = append(stream, serialStopSequence...)
	stream = append(stream, encodePacket(t, 8)...)
	stream = append(stream, encodePacket(t, 10)...)
	stream = append(stream, encodePacket(t, 11)...)

	ss := newFakeSerialSource(t, stream)
	cfg := AcquisitionConfig{Channels: []string{"ai0", "ai2"}, SamplingRateHz: 100, ReadTimeout: time.Second}
	require.NoError(t, ss.Open(&cfg))
	ctx := context.Background()

	// The corrupt packet is skipped, and the block stops at the gap before packet 10.
	b, err := ss.ReadBlock(ctx, 5, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), b.FirstIndex)
	assert.Equal(t, []float64{50, 60, 70, 80}, b.Lanes[0])
	assert.Equal(t, []float64{52, 62, 72, 82}, b.Lanes[1])

	b, err = ss.ReadBlock(ctx, 2, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), b.FirstIndex, "packet 9 was lost")
	assert.Equal(t, []float64{100, 110}, b.Lanes[0])

	_, err = ss.ReadBlock(ctx, 1, time.Second)
	assert.ErrorIs(t, err, io.EOF)
	require.NoError(t, ss.Close())
	_, err = ss.ReadBlock(ctx, 1, time.Second)
	assert.Error(t, err, "closed")
}

func TestSerialSessionCountsGap(t *testing.T) {
	var stream []byte
	stream = append(stream, '\n')
	for _, pn := range []uint32{0, 1, 2, 3, 6, 7, 8, 9, 10, 11, 12} {
		stream = append(stream, encodePacket(t, pn)...)
	}
	ss := newFakeSerialSource(t, stream)
	cfg := testConfig()
	cfg.SamplesPerRead = 3
	s, err := NewSession(ss, cfg)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	s.Wait() // the stream ends with EOF, which ends the session
	stats := s.Statistics()
	assert.Equal(t, 1, stats.DataDrops)
	assert.Equal(t, uint64(2), stats.DroppedSamples)
	assert.Equal(t, 11, s.ReadRecent(All).Len())
	assert.Equal(t, []float64{0, 10, 20, 30, 60, 70, 80, 90, 100, 110, 120}, s.ReadRecent(All).Values[0])
	require.NoError(t, s.Stop())
}

type stallingReader struct{}

func (stallingReader) Read(p []byte) (int, error) {
	time.Sleep(time.Millisecond)
	return 0, nil
}

func TestPacketReaderDeadline(t *testing.T) {
	pr := newPacketReader(stallingReader{})
	_, err := pr.readPacket(context.Background(), time.Now().Add(10*time.Millisecond))
	assert.ErrorIs(t, err, ErrReadTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pr.resync(ctx, time.Time{})
	assert.ErrorIs(t, err, context.Canceled)
}
