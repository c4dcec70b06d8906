package daqring

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// Layout of one serial packet: packet number and device timestamp (uint32 each), then
// one float32 reading per input line, all little-endian, then the stop sequence.
const (
	SerialPacketChannels = 8
	serialPayloadSize    = 4 + 4 + 4*SerialPacketChannels
	serialPacketSize     = serialPayloadSize + 2
)

var serialStopSequence = []byte{'\r', '\n'}

// serialPacket is the decoded payload of one packet.
type serialPacket struct {
	PacketNumber uint32
	Timestamp    uint32
	RawReadings  [SerialPacketChannels]float32
}

// OutOfSyncError reports a packet that did not end with the stop sequence.
type OutOfSyncError struct {
	ByteSequence []byte
}

func (e *OutOfSyncError) Error() string {
	return fmt.Sprintf("incorrect stop sequence detected: %v", e.ByteSequence)
}

// packetReader reads framed packets from a byte stream. Reads returning (0, nil), as a
// serial port does on its read timeout, are treated as "no data yet".
type packetReader struct {
	r   io.Reader
	buf []byte
}

func newPacketReader(r io.Reader) *packetReader {
	return &packetReader{r: r, buf: make([]byte, serialPacketSize)}
}

// fill reads until p is full, giving up if ctx is done or deadline passes.
func (pr *packetReader) fill(ctx context.Context, p []byte, deadline time.Time) error {
	for count := 0; count < len(p); {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrReadTimeout
		}
		n, err := pr.r.Read(p[count:])
		count += n
		if err != nil {
			if err == io.EOF && count == len(p) {
				return nil
			}
			return err
		}
	}
	return nil
}

// readPacket reads and decodes one packet.
func (pr *packetReader) readPacket(ctx context.Context, deadline time.Time) (serialPacket, error) {
	var pkt serialPacket
	if err := pr.fill(ctx, pr.buf, deadline); err != nil {
		return pkt, err
	}
	if !bytes.Equal(pr.buf[serialPayloadSize:], serialStopSequence) {
		return pkt, &OutOfSyncError{ByteSequence: append([]byte{}, pr.buf...)}
	}
	err := binary.Read(bytes.NewReader(pr.buf[:serialPayloadSize]), binary.LittleEndian, &pkt)
	return pkt, err
}

// resync discards bytes through the next end of the stop sequence.
func (pr *packetReader) resync(ctx context.Context, deadline time.Time) error {
	onebyte := make([]byte, 1)
	last := serialStopSequence[len(serialStopSequence)-1]
	for {
		if err := pr.fill(ctx, onebyte, deadline); err != nil {
			return err
		}
		if onebyte[0] == last {
			return nil
		}
	}
}

// SerialSourceConfig holds the arguments needed to call SerialSource.Configure by RPC.
type SerialSourceConfig struct {
	PortName string
	BaudRate int
}

// SerialSource is a DataSource reading framed float32 packets from a serial device,
// one packet per sample. Channel "aiN" is reading N of each packet. Gaps in the
// packet numbers are reported to the session as dropped samples.
type SerialSource struct {
	portName  string
	baudRate  int
	port      io.ReadCloser
	reader    *packetReader
	readings  []int // packet reading index for each channel
	firstPkt  uint32
	havePkt   bool
	pending   *serialPacket // read but not yet delivered because it followed a gap
	AnySource
	logger *zap.Logger
	// openPort is serial.Open, or a replacement in tests.
	openPort func(name string, mode *serial.Mode) (io.ReadCloser, error)
}

// NewSerialSource creates a SerialSource. Configure must give it a port before Open.
func NewSerialSource() *SerialSource {
	ss := &SerialSource{baudRate: 460800, logger: ProblemLogger}
	ss.name = "serial"
	ss.openPort = openSerialPort
	return ss
}

func openSerialPort(name string, mode *serial.Mode) (io.ReadCloser, error) {
	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		port.Close()
		return nil, err
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

// Configure sets port name and baud rate.
func (ss *SerialSource) Configure(config *SerialSourceConfig) error {
	if ss.isOpen {
		return fmt.Errorf("cannot configure serial source while it is open")
	}
	if config.PortName == "" {
		return configErrorf("serial port", "name must not be empty")
	}
	if config.BaudRate <= 0 {
		return configErrorf("baud rate", "must be > 0, got %d", config.BaudRate)
	}
	ss.portName = config.PortName
	ss.baudRate = config.BaudRate
	return nil
}

// channelReadings maps canonical channel names to packet reading indices.
func channelReadings(channels []string) ([]int, error) {
	readings := make([]int, len(channels))
	for i, name := range channels {
		idx, err := strconv.Atoi(strings.TrimPrefix(name, "ai"))
		if err != nil || idx < 0 || idx >= SerialPacketChannels {
			return nil, configErrorf("channel", "serial packets carry ai0..ai%d, got %q", SerialPacketChannels-1, name)
		}
		readings[i] = idx
	}
	return readings, nil
}

// Open opens the serial port and synchronizes with the packet stream.
func (ss *SerialSource) Open(cfg *AcquisitionConfig) error {
	readings, err := channelReadings(cfg.Channels)
	if err != nil {
		return err
	}
	if ss.portName == "" {
		return configErrorf("serial port", "not configured")
	}
	port, err := ss.openPort(ss.portName, &serial.Mode{BaudRate: ss.baudRate})
	if err != nil {
		return fmt.Errorf("opening serial port %s: %w", ss.portName, err)
	}
	if err := ss.openFor(cfg); err != nil {
		port.Close()
		return err
	}
	ss.port = port
	ss.reader = newPacketReader(port)
	ss.readings = readings
	ss.havePkt = false
	ss.pending = nil

	deadline := time.Now().Add(max(cfg.ReadTimeout, time.Second))
	UpdateLogger.Info("[serial] resyncing serial port", zap.String("portName", ss.portName))
	if err := ss.reader.resync(context.Background(), deadline); err != nil {
		ss.Close()
		return fmt.Errorf("synchronizing with %s: %w", ss.portName, err)
	}
	return nil
}

// Close closes the serial port.
func (ss *SerialSource) Close() error {
	ss.AnySource.Close()
	if ss.port == nil {
		return nil
	}
	err := ss.port.Close()
	ss.port = nil
	return err
}

// nextPacket returns the next valid packet, resynchronizing past corrupt ones.
func (ss *SerialSource) nextPacket(ctx context.Context, deadline time.Time) (serialPacket, error) {
	if ss.pending != nil {
		pkt := *ss.pending
		ss.pending = nil
		return pkt, nil
	}
	for {
		pkt, err := ss.reader.readPacket(ctx, deadline)
		var oosError *OutOfSyncError
		if errors.As(err, &oosError) {
			ss.logger.Warn("[serial] error while attempting to read packet", zap.Error(err),
				zap.String("portName", ss.portName), zap.ByteString("payload", oosError.ByteSequence))
			if err := ss.reader.resync(ctx, deadline); err != nil {
				return pkt, err
			}
			continue
		}
		return pkt, err
	}
}

// ReadBlock reads up to nsamples packets. The block ends early at a gap in packet
// numbers, so that its samples are contiguous from FirstIndex, or at a read error
// after at least one packet.
func (ss *SerialSource) ReadBlock(ctx context.Context, nsamples int, timeout time.Duration) (*Block, error) {
	if !ss.isOpen || ss.reader == nil {
		return nil, fmt.Errorf("source %s is not open", ss.name)
	}
	if nsamples <= 0 {
		return nil, configErrorf("samples per read", "must be >= 1, got %d", nsamples)
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	block := NewBlock(ss.nchan, nsamples, 0)
	var expect uint32
	n := 0
	for n < nsamples {
		pkt, err := ss.nextPacket(ctx, deadline)
		if err != nil {
			// Deliver what was read; a lasting fault shows up again on the next call.
			if n > 0 && ctx.Err() == nil {
				break
			}
			return nil, err
		}
		if !ss.havePkt {
			ss.firstPkt = pkt.PacketNumber
			ss.havePkt = true
		}
		if n == 0 {
			block.FirstIndex = uint64(pkt.PacketNumber - ss.firstPkt)
		} else if pkt.PacketNumber != expect {
			ss.pending = &pkt
			break
		}
		for c, r := range ss.readings {
			block.Lanes[c][n] = float64(pkt.RawReadings[r])
		}
		expect = pkt.PacketNumber + 1
		n++
	}
	for c := range block.Lanes {
		block.Lanes[c] = block.Lanes[c][:n]
	}
	return block, nil
}
