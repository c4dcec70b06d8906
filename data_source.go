package daqring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/daqring/internal/sessiondb"
	"github.com/usnistgov/daqring/internal/unboundedchan"
	"go.uber.org/zap"
)

// SourceState is used to indicate the active/inactive/transition state of a session
type SourceState int

// Names for the possible values of SourceState
const (
	Inactive SourceState = iota // Session is not active
	Starting                    // Session is in transition to Active state
	Active                      // Session is actively acquiring data
	Stopping                    // Session is in transition to Inactive state
)

func (s SourceState) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("SourceState(%d)", int(s))
}

// DataSource is the interface for hardware or simulated drivers that produce raw
// multi-channel blocks.
type DataSource interface {
	Name() string
	Nchan() int
	ChannelNames() []string
	SampleRate() float64
	// Open prepares the source to acquire the channels and rate of cfg.
	Open(cfg *AcquisitionConfig) error
	// ReadBlock waits for nsamples raw samples per channel and returns them. FirstIndex
	// counts samples from Open, including any the source knows it lost.
	ReadBlock(ctx context.Context, nsamples int, timeout time.Duration) (*Block, error)
	Close() error
}

// SessionStatistics is a snapshot of a session's progress.
type SessionStatistics struct {
	ID              string
	State           string
	Source          string
	Channels        []string
	SampleRateHz    float64
	Averaging       string
	Window          int
	RawSamples      uint64
	BlocksProcessed int
	DataDrops       int
	DroppedSamples  uint64
	Buffer          BufferStatistics
	Accumulated     int
	LastError       string
}

// Session runs one DataSource through a WindowAverager into a MultiChannelBuffer and,
// optionally, an AccumulationSink. One goroutine reads blocks from the source; the core
// loop goroutine owns the averager and is the only writer of the buffers.
type Session struct {
	ID       string
	config   AcquisitionConfig
	source   DataSource
	clock    *SampleClock
	averager *WindowAverager
	buffer   *MultiChannelBuffer
	sink     *AccumulationSink // nil unless config.Accumulate

	queuedRequests chan func()
	nextBlock      chan *Block
	abortSelf      chan struct{}
	loopDone       chan struct{}
	cancel         context.CancelFunc

	nextSourceIndex uint64 // FirstIndex expected of the next block; owned by the core loop

	publisher *unboundedchan.UnboundedChannel[*Series]
	db        *sessiondb.Connection
	started   time.Time

	progress     SessionStatistics // guarded by progressLock, as are config's averaging fields
	progressLock sync.Mutex

	sourceState     SourceState
	sourceStateLock sync.Mutex // guards sourceState, loopDone, abortSelf
	runDone         sync.WaitGroup
}

// NewSession validates cfg and allocates everything a session needs. The source is not
// opened until Start.
func NewSession(source DataSource, cfg AcquisitionConfig) (*Session, error) {
	if source == nil {
		return nil, configErrorf("data source", "must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock, err := NewSampleClock(cfg.SamplingRateHz)
	if err != nil {
		return nil, err
	}
	mode, window, err := cfg.Averaging()
	if err != nil {
		return nil, err
	}
	nchan := len(cfg.Channels)
	averager, err := NewWindowAverager(clock, mode, window, nchan)
	if err != nil {
		return nil, err
	}
	buffer, err := NewMultiChannelBuffer(nchan, cfg.RingCapacity)
	if err != nil {
		return nil, err
	}
	s := &Session{
		ID:             ulid.Make().String(),
		config:         cfg,
		source:         source,
		clock:          clock,
		averager:       averager,
		buffer:         buffer,
		queuedRequests: make(chan func()),
		loopDone:       make(chan struct{}),
		abortSelf:      make(chan struct{}),
		db:             sessiondb.Dummy(),
	}
	close(s.loopDone) // no loop is running yet
	if cfg.Accumulate {
		if s.sink, err = NewAccumulationSink(nchan); err != nil {
			return nil, err
		}
	}
	s.progress = SessionStatistics{
		ID:           s.ID,
		Source:       source.Name(),
		Channels:     append([]string{}, cfg.Channels...),
		SampleRateHz: cfg.SamplingRateHz,
		Averaging:    mode.String(),
		Window:       window,
	}
	return s, nil
}

// Config returns the validated configuration.
func (s *Session) Config() AcquisitionConfig {
	s.progressLock.Lock()
	defer s.progressLock.Unlock()
	return s.config
}

// SetPublisher makes the session send every processed Series to pub. Call before Start.
func (s *Session) SetPublisher(pub *unboundedchan.UnboundedChannel[*Series]) {
	s.publisher = pub
}

// SetDatabase makes the session record itself in db. Call before Start.
func (s *Session) SetDatabase(db *sessiondb.Connection) {
	if db == nil {
		db = sessiondb.Dummy()
	}
	s.db = db
}

// GetState returns the lifecycle state.
func (s *Session) GetState() SourceState {
	s.sourceStateLock.Lock()
	defer s.sourceStateLock.Unlock()
	return s.sourceState
}

// Running tells whether the session is acquiring data.
func (s *Session) Running() bool {
	return s.GetState() == Active
}

// Start opens the source, resets the averager and buffers, and launches the producer
// and core loop goroutines. It returns once acquisition is running.
func (s *Session) Start() error {
	s.sourceStateLock.Lock()
	if s.sourceState != Inactive {
		state := s.sourceState
		s.sourceStateLock.Unlock()
		return fmt.Errorf("session is %s, cannot start", state)
	}
	s.sourceState = Starting
	s.sourceStateLock.Unlock()

	if err := s.source.Open(&s.config); err != nil {
		s.setState(Inactive)
		return fmt.Errorf("opening source %s: %w", s.source.Name(), err)
	}
	if s.source.Nchan() != len(s.config.Channels) {
		s.source.Close()
		s.setState(Inactive)
		return &ShapeMismatchError{What: "source channel count", Want: len(s.config.Channels), Got: s.source.Nchan()}
	}

	s.averager.Reset()
	s.nextSourceIndex = 0
	s.buffer.Clear()
	if s.sink != nil {
		s.sink.Clear()
	}
	s.progressLock.Lock()
	s.progress.RawSamples = 0
	s.progress.BlocksProcessed = 0
	s.progress.DataDrops = 0
	s.progress.DroppedSamples = 0
	s.progress.LastError = ""
	s.progressLock.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.sourceStateLock.Lock()
	s.cancel = cancel
	s.abortSelf = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.nextBlock = make(chan *Block, 4)
	s.sourceState = Active
	s.runDone.Add(2)
	s.sourceStateLock.Unlock()

	s.started = time.Now()
	UpdateLogger.Info("[session] starting", zap.String("id", s.ID), zap.String("source", s.source.Name()),
		zap.String("config", spew.Sdump(s.config)))
	s.db.RecordSession(s.sessionMessage())
	sendClientUpdate("STATUS", s.Statistics())

	go s.produce(ctx)
	go s.coreLoop()
	return nil
}

func (s *Session) setState(state SourceState) {
	s.sourceStateLock.Lock()
	defer s.sourceStateLock.Unlock()
	s.sourceState = state
}

// produce reads blocks from the source until ctx is cancelled or a read fails, and
// hands them to the core loop. It owns the source while running and closes it on exit.
func (s *Session) produce(ctx context.Context) {
	defer s.runDone.Done()
	defer close(s.nextBlock)
	defer func() {
		if err := s.source.Close(); err != nil {
			ProblemLogger.Warn("[session] error closing source", zap.Error(err), zap.String("source", s.source.Name()))
		}
	}()

	for {
		block, err := s.source.ReadBlock(ctx, s.config.SamplesPerRead, s.config.ReadTimeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			block = &Block{err: err}
		} else if block == nil {
			continue
		}
		select {
		case s.nextBlock <- block:
		case <-s.abortSelf:
			return
		}
		if err != nil {
			return
		}
	}
}

// coreLoop processes blocks until the producer stops or fails.
// This will be a long-running goroutine, as long as a session is active.
func (s *Session) coreLoop() {
	defer s.finishLoop()

	for {
		// Use select to interleave 2 activities that should NOT be done concurrently:
		// 1. Handle requests to change processing parameters (e.g. averaging)
		// 2. Handle new data and process it
		select {

		case request := <-s.queuedRequests:
			request()

		case block, ok := <-s.nextBlock:
			if !ok {
				UpdateLogger.Info("[session] block channel was closed; stopping normally", zap.String("id", s.ID))
				return
			}
			if block.err != nil {
				ProblemLogger.Error("[session] source read failed; stopping", zap.Error(block.err),
					zap.String("id", s.ID), zap.String("source", s.source.Name()))
				s.recordError(block.err)
				return
			}
			if err := s.ProcessBlock(block); err != nil {
				ProblemLogger.Error("[session] cannot process block; stopping", zap.Error(err), zap.String("id", s.ID))
				s.recordError(err)
				return
			}
		}
	}
}

// finishLoop tells the producer to quit and marks the session inactive.
func (s *Session) finishLoop() {
	s.sourceStateLock.Lock()
	closeIfOpen(s.abortSelf)
	s.cancel()
	close(s.loopDone)
	s.sourceState = Stopping
	s.sourceStateLock.Unlock()

	// drain so the producer can reach its abort check
	for range s.nextBlock {
	}
	s.runDone.Done()
}

func (s *Session) recordError(err error) {
	s.progressLock.Lock()
	s.progress.LastError = err.Error()
	s.progressLock.Unlock()
	sendClientUpdate("ERROR", struct{ Message string }{Message: err.Error()})
}

// ProcessBlock runs one raw block through the averager and stores the result. Only the
// core loop calls it while the session runs.
func (s *Session) ProcessBlock(block *Block) error {
	if block.FirstIndex != s.nextSourceIndex {
		s.handleDataDrop(block.FirstIndex, s.nextSourceIndex)
	}
	series, err := s.averager.Process(block)
	if err != nil {
		return err
	}
	s.nextSourceIndex = block.FirstIndex + uint64(block.Nsamples())
	if err := s.buffer.AppendSeries(series); err != nil {
		return err
	}
	if s.sink != nil && series.Len() > 0 {
		if err := s.sink.AppendSeries(series); err != nil {
			return err
		}
	}
	if s.publisher != nil && series.Len() > 0 {
		s.publisher.In() <- &series
	}

	s.progressLock.Lock()
	s.progress.RawSamples = s.averager.RawCount()
	s.progress.BlocksProcessed++
	s.progressLock.Unlock()
	return nil
}

// handleDataDrop records a block that does not start where the previous one ended. The
// averager's own count stays authoritative for timestamps, so later data is labeled as if
// contiguous; the drop is only counted and reported.
func (s *Session) handleDataDrop(firstIndex, expected uint64) {
	var dropped uint64
	if firstIndex > expected {
		dropped = firstIndex - expected
	}
	s.progressLock.Lock()
	s.progress.DataDrops++
	s.progress.DroppedSamples += dropped
	total := s.progress.DataDrops
	s.progressLock.Unlock()

	ProblemLogger.Warn("[session] data drop", zap.String("id", s.ID), zap.Uint64("firstIndex", firstIndex),
		zap.Uint64("expected", expected), zap.Uint64("dropped", dropped))
	sendClientUpdate("DATADROP", struct {
		TotalObserved int
		Dropped       uint64
	}{TotalObserved: total, Dropped: dropped})
}

// Stop tells the session to stop acquiring and waits until it has.
func (s *Session) Stop() error {
	s.sourceStateLock.Lock()
	switch s.sourceState {
	case Inactive:
		s.sourceStateLock.Unlock()
		return fmt.Errorf("session not active, cannot stop")

	case Starting:
		s.sourceStateLock.Unlock()
		return fmt.Errorf("session is starting, cannot stop yet")

	case Active:
		UpdateLogger.Info("[session] Stop() was called to stop an active session", zap.String("id", s.ID))

	case Stopping:
		// The core loop ended by itself (or another Stop is waiting); wait with it.
	}
	s.sourceState = Stopping
	closeIfOpen(s.abortSelf)
	s.cancel()
	s.sourceStateLock.Unlock()

	s.runDone.Wait()
	s.setState(Inactive)

	msg := s.sessionMessage()
	msg.End = time.Now()
	s.db.FinishSession(msg)
	sendClientUpdate("STATUS", s.Statistics())
	return nil
}

// Wait blocks until the session's goroutines have ended, whether by Stop or by an error.
func (s *Session) Wait() {
	s.runDone.Wait()
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}

// runOnCore runs f on the core loop goroutine if one is running, so that it never
// overlaps block processing; otherwise it runs f directly.
func (s *Session) runOnCore(f func()) {
	s.sourceStateLock.Lock()
	loopDone := s.loopDone
	s.sourceStateLock.Unlock()

	done := make(chan struct{})
	select {
	case s.queuedRequests <- func() { f(); close(done) }:
		<-done
	case <-loopDone:
		f()
	}
}

// SetAveraging changes the averaging span and style. The averager restarts its history,
// but timestamps continue from the current raw count.
func (s *Session) SetAveraging(spanMs float64, rolling bool) error {
	mode, window, err := AveragingFor(spanMs, s.config.SamplingRateHz, rolling)
	if err != nil {
		return err
	}
	s.runOnCore(func() {
		err = s.averager.Reconfigure(mode, window, len(s.config.Channels))
	})
	if err != nil {
		return err
	}
	s.progressLock.Lock()
	s.config.AverageSpanMs = spanMs
	s.config.Rolling = rolling
	s.progress.Averaging = mode.String()
	s.progress.Window = window
	s.progressLock.Unlock()
	UpdateLogger.Info("[session] averaging changed", zap.String("id", s.ID),
		zap.Stringer("mode", mode), zap.Int("window", window))
	sendClientUpdate("AVERAGING", struct {
		Mode   string
		Window int
	}{Mode: mode.String(), Window: window})
	return nil
}

// ReadRecent returns the most recent n processed samples (all when n < 0).
func (s *Session) ReadRecent(n int) Series {
	return s.buffer.ReadRecent(n)
}

// ExportReadyView returns everything accumulated so far. It is empty when the session
// does not accumulate.
func (s *Session) ExportReadyView() Series {
	if s.sink == nil {
		return newSeries(len(s.config.Channels), 0)
	}
	return s.sink.ExportReadyView()
}

// Clear empties the live buffer and the accumulated data. It fails while running.
func (s *Session) Clear() error {
	if state := s.GetState(); state != Inactive {
		return fmt.Errorf("session is %s, stop it before clearing", state)
	}
	s.buffer.Clear()
	if s.sink != nil {
		s.sink.Clear()
	}
	return nil
}

// Statistics returns a snapshot of the session's progress and buffer state.
func (s *Session) Statistics() SessionStatistics {
	s.progressLock.Lock()
	stats := s.progress
	stats.Channels = append([]string{}, s.progress.Channels...)
	s.progressLock.Unlock()
	stats.State = s.GetState().String()
	stats.Buffer = s.buffer.Statistics()
	if s.sink != nil {
		stats.Accumulated = s.sink.Len()
	}
	return stats
}

func (s *Session) sessionMessage() *sessiondb.SessionMessage {
	stats := s.Statistics()
	return &sessiondb.SessionMessage{
		ID:           s.ID,
		Source:       stats.Source,
		Channels:     stats.Channels,
		SampleRateHz: stats.SampleRateHz,
		Averaging:    stats.Averaging,
		Window:       stats.Window,
		Start:        s.started,
		RawSamples:   stats.RawSamples,
		DataDrops:    stats.DataDrops,
	}
}
