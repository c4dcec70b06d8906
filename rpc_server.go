package daqring

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"
	"github.com/usnistgov/daqring/analysis"
	"github.com/usnistgov/daqring/export"
	"github.com/usnistgov/daqring/internal/sessiondb"
	"github.com/usnistgov/daqring/internal/unboundedchan"
	"go.uber.org/zap"
)

// SourceControl is the sub-server that handles configuration and operation of
// the data sources and the session that runs them.
type SourceControl struct {
	triangle    *TriangleSource
	sine        *SineSource
	serial      *SerialSource
	acquisition AcquisitionConfig
	session     *Session // nil until the first Start

	publisher  *unboundedchan.UnboundedChannel[*Series]
	db         *sessiondb.Connection
	exportBase string

	status ServerStatus
	mu     sync.Mutex // serializes RPC calls, which jsonrpc may run concurrently
}

// ServerStatus the status that SourceControl reports to clients.
type ServerStatus struct {
	Running      bool
	SourceName   string
	SessionID    string
	Channels     []string
	SampleRateHz float64
	Averaging    string
	Window       int
	RawSamples   uint64
	DataDrops    int
}

// NewSourceControl creates a SourceControl with a default acquisition configuration.
func NewSourceControl() *SourceControl {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return &SourceControl{
		triangle:    NewTriangleSource(),
		sine:        NewSineSource(),
		serial:      NewSerialSource(),
		acquisition: DefaultAcquisitionConfig(),
		publisher:   unboundedchan.NewUnboundedChannel[*Series](),
		db:          sessiondb.Dummy(),
		exportBase:  filepath.Join(home, ".daqring", "data"),
	}
}

// running tells whether a session is acquiring or winding down. Caller holds the lock.
func (s *SourceControl) running() bool {
	return s.session != nil && s.session.GetState() != Inactive
}

// saveConfig stores a section of settings in the config file, if there is one.
func saveConfig(key string, value any) {
	viper.Set(key, value)
	if viper.ConfigFileUsed() == "" {
		return
	}
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Warn("[rpc] could not save settings", zap.String("key", key), zap.Error(err))
	}
}

// ConfigureTriangleSource configures the source of simulated triangle waves.
func (s *SourceControl) ConfigureTriangleSource(args *TriangleSourceConfig, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	UpdateLogger.Info("[rpc] ConfigureTriangleSource", zap.Float64("min", args.Min),
		zap.Float64("max", args.Max), zap.Int("cycle", args.CycleSamples))
	err := s.triangle.Configure(args)
	*reply = (err == nil)
	if err == nil {
		saveConfig("triangle", args)
		sendClientUpdate("TRIANGLE", args)
	}
	return err
}

// ConfigureSineSource configures the source of simulated sine waves.
func (s *SourceControl) ConfigureSineSource(args *SineSourceConfig, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	UpdateLogger.Info("[rpc] ConfigureSineSource", zap.Float64("amplitude", args.Amplitude),
		zap.Float64("frequency", args.FrequencyHz))
	err := s.sine.Configure(args)
	*reply = (err == nil)
	if err == nil {
		saveConfig("sine", args)
		sendClientUpdate("SINE", args)
	}
	return err
}

// ConfigureSerialSource sets the port of the serial packet source.
func (s *SourceControl) ConfigureSerialSource(args *SerialSourceConfig, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	UpdateLogger.Info("[rpc] ConfigureSerialSource", zap.String("port", args.PortName), zap.Int("baud", args.BaudRate))
	err := s.serial.Configure(args)
	*reply = (err == nil)
	if err == nil {
		saveConfig("serial", args)
		sendClientUpdate("SERIAL", args)
	}
	return err
}

// ConfigureAcquisition sets channels, rate, averaging and buffering for the next Start.
func (s *SourceControl) ConfigureAcquisition(args *AcquisitionConfig, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*reply = false
	if s.running() {
		return fmt.Errorf("cannot change the acquisition while a source is running (you should call Stop)")
	}
	cfg := *args
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.acquisition = cfg
	*reply = true
	saveConfig("acquisition", cfg)
	sendClientUpdate("ACQUISITION", cfg)
	return nil
}

// Start will identify the source given by sourceName and start a session reading it.
func (s *SourceControl) Start(sourceName *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*reply = false
	if s.running() {
		return fmt.Errorf("a source is already running (you should call Stop)")
	}
	var source DataSource
	switch strings.ToUpper(*sourceName) {
	case "TRIANGLESOURCE", "TRIANGLE":
		source = s.triangle
	case "SINESOURCE", "SINE":
		source = s.sine
	case "SERIALSOURCE", "SERIAL":
		source = s.serial
	default:
		return fmt.Errorf("data source %q is not recognized", *sourceName)
	}

	session, err := NewSession(source, s.acquisition)
	if err != nil {
		return err
	}
	session.SetPublisher(s.publisher)
	session.SetDatabase(s.db)
	UpdateLogger.Info("[rpc] starting data source", zap.String("source", source.Name()), zap.String("session", session.ID))
	if err := session.Start(); err != nil {
		ProblemLogger.Warn("[rpc] could not start data source", zap.String("source", source.Name()), zap.Error(err))
		return err
	}
	s.session = session
	*reply = true
	s.broadcastUpdate()
	return nil
}

// Stop stops the running data source, if any.
func (s *SourceControl) Stop(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*reply = false
	if !s.running() {
		return fmt.Errorf("no source is active")
	}
	UpdateLogger.Info("[rpc] stopping data source", zap.String("session", s.session.ID))
	if err := s.session.Stop(); err != nil {
		return err
	}
	*reply = true
	s.broadcastUpdate()
	return nil
}

// AveragingArgs holds the arguments to SetAveraging.
type AveragingArgs struct {
	SpanMs  float64
	Rolling bool
}

// SetAveraging changes the averaging of the running session, or of the next one.
func (s *SourceControl) SetAveraging(args *AveragingArgs, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*reply = false
	if s.session != nil {
		if err := s.session.SetAveraging(args.SpanMs, args.Rolling); err != nil {
			return err
		}
	} else if _, _, err := AveragingFor(args.SpanMs, s.acquisition.SamplingRateHz, args.Rolling); err != nil {
		return err
	}
	s.acquisition.AverageSpanMs = args.SpanMs
	s.acquisition.Rolling = args.Rolling
	*reply = true
	s.broadcastUpdate()
	return nil
}

// currentSession returns the latest session or an error if there never was one.
// Caller holds the lock.
func (s *SourceControl) currentSession() (*Session, error) {
	if s.session == nil {
		return nil, fmt.Errorf("no data: no source has been started")
	}
	return s.session, nil
}

// ReadRecent returns the most recent *n processed samples (all buffered, if *n < 0).
func (s *SourceControl) ReadRecent(n *int, reply *Series) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.currentSession()
	if err != nil {
		return err
	}
	*reply = session.ReadRecent(*n)
	return nil
}

// StatisticsReply is the result of GetStatistics.
type StatisticsReply struct {
	Session         SessionStatistics
	Channels        map[string]analysis.ChannelStatistics
	EstimatedRateHz float64 // output rate seen in the recent samples
}

// GetStatistics summarizes the session and the most recent *n samples of each channel.
func (s *SourceControl) GetStatistics(n *int, reply *StatisticsReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.currentSession()
	if err != nil {
		return err
	}
	recent := session.ReadRecent(*n)
	reply.Session = session.Statistics()
	reply.Channels = analysis.Statistics(session.Config().Channels, recent.Values)
	reply.EstimatedRateHz = analysis.EstimateRateHz(recent.Timestamps)
	return nil
}

// SpectrumArgs holds the arguments to Spectrum.
type SpectrumArgs struct {
	Nsamples       int // how many recent samples to use; < 0 for all buffered
	Window         string
	FFTSize        int
	MaxFrequencyHz float64
}

// Spectrum computes the power spectral density of recent samples of each channel.
func (s *SourceControl) Spectrum(args *SpectrumArgs, reply *analysis.PowerSpectrum) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.currentSession()
	if err != nil {
		return err
	}
	recent := session.ReadRecent(args.Nsamples)
	ps, err := analysis.Spectrum(recent.Timestamps, recent.Values, analysis.SpectrumConfig{
		Window:         analysis.WindowType(args.Window),
		FFTSize:        args.FFTSize,
		MaxFrequencyHz: args.MaxFrequencyHz,
	})
	if err != nil {
		return err
	}
	*reply = *ps
	return nil
}

// ExportArgs holds the arguments to Export. An empty BasePath means ~/.daqring/data.
type ExportArgs struct {
	BasePath    string
	Filename    string
	Quantize    bool
	Round       string
	JSONSidecar bool
	NPY         bool
}

// ExportReply lists what Export wrote.
type ExportReply struct {
	Files   []string
	Samples int
}

// Export saves everything the latest session accumulated to a new dated directory.
func (s *SourceControl) Export(args *ExportArgs, reply *ExportReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, err := s.currentSession()
	if err != nil {
		return err
	}
	round, err := export.ParseRoundMode(args.Round)
	if err != nil {
		return err
	}
	view := session.ExportReadyView()
	cfg := session.Config()
	stats := session.Statistics()
	ds := &export.Dataset{
		Metadata: export.Metadata{
			SessionID: session.ID,
			Device:    stats.Source,
			Channels:  cfg.Channels,
			VMin:      cfg.VMin,
			VMax:      cfg.VMax,
			ADCBits:   cfg.ADCBits,
			RateHz:    cfg.SamplingRateHz,
			Created:   time.Now(),
		},
		Timestamps: view.Timestamps,
		Values:     view.Values,
	}
	if ds.Len() == 0 {
		return export.ErrNoData
	}

	base := args.BasePath
	if base == "" {
		base = s.exportBase
	}
	dir, err := export.MakeRunDirectory(base, ds.Created)
	if err != nil {
		return err
	}
	filename := args.Filename
	if filename == "" {
		filename = fmt.Sprintf("daqring_%s", ds.Created.Format("20060102_150405"))
	}
	files, err := export.Save(dir, filepath.Base(filename), ds, export.Options{
		Quantize:    args.Quantize,
		Round:       round,
		JSONSidecar: args.JSONSidecar,
		NPY:         args.NPY,
	})
	for _, f := range files {
		var size int64
		if info, err := os.Stat(f); err == nil {
			size = info.Size()
		}
		format := strings.TrimPrefix(filepath.Ext(f), ".")
		s.db.RecordExport(&sessiondb.ExportMessage{
			ID:        ulid.Make().String(),
			SessionID: session.ID,
			Filename:  f,
			Format:    format,
			Samples:   ds.Len(),
			Size:      size,
			Written:   time.Now(),
		})
	}
	if err != nil {
		ProblemLogger.Warn("[rpc] export failed", zap.String("dir", dir), zap.Error(err))
		return err
	}
	UpdateLogger.Info("[rpc] exported", zap.Strings("files", files), zap.Int("samples", ds.Len()))
	reply.Files = files
	reply.Samples = ds.Len()
	sendClientUpdate("EXPORT", reply)
	return nil
}

// ClearData discards the stopped session's buffered and accumulated samples.
func (s *SourceControl) ClearData(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	*reply = false
	session, err := s.currentSession()
	if err != nil {
		return err
	}
	if err := session.Clear(); err != nil {
		return err
	}
	*reply = true
	return nil
}

// updateStatus refreshes s.status from the session. Caller holds the lock.
func (s *SourceControl) updateStatus() {
	if s.session == nil {
		mode, window, _ := s.acquisition.Averaging()
		s.status = ServerStatus{
			Channels:     s.acquisition.Channels,
			SampleRateHz: s.acquisition.SamplingRateHz,
			Averaging:    mode.String(),
			Window:       window,
		}
		return
	}
	stats := s.session.Statistics()
	s.status = ServerStatus{
		Running:      s.session.Running(),
		SourceName:   stats.Source,
		SessionID:    stats.ID,
		Channels:     stats.Channels,
		SampleRateHz: stats.SampleRateHz,
		Averaging:    stats.Averaging,
		Window:       stats.Window,
		RawSamples:   stats.RawSamples,
		DataDrops:    stats.DataDrops,
	}
}

// broadcastUpdate sends the status to clients. Caller holds the lock.
func (s *SourceControl) broadcastUpdate() {
	s.updateStatus()
	sendClientUpdate("STATUS", s.status)
}

// SendAllStatus causes a broadcast to clients containing all broadcastable status info
func (s *SourceControl) SendAllStatus(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastUpdate()
	sendClientUpdate("TRIANGLE", TriangleSourceConfig{Min: s.triangle.minval, Max: s.triangle.maxval,
		CycleSamples: s.triangle.cycleLen})
	sendClientUpdate("SINE", SineSourceConfig{Amplitude: s.sine.amplitude, Offset: s.sine.offset,
		FrequencyHz: s.sine.freq})
	sendClientUpdate("ACQUISITION", s.acquisition)
	if s.session != nil {
		sendClientUpdate("SESSION", s.session.Statistics())
	}
	*reply = true
	return nil
}

// loadSettings transfers saved configuration from Viper to relevant objects.
func (s *SourceControl) loadSettings() {
	var okay bool
	UpdateLogger.Info("[rpc] loading settings", zap.String("configFile", viper.ConfigFileUsed()))
	if viper.IsSet("acquisition") {
		acq := DefaultAcquisitionConfig()
		if err := viper.UnmarshalKey("acquisition", &acq); err == nil {
			if err := s.ConfigureAcquisition(&acq, &okay); err != nil {
				ProblemLogger.Warn("[rpc] saved acquisition settings rejected", zap.Error(err))
			}
		}
	}
	if viper.IsSet("triangle") {
		var tsc TriangleSourceConfig
		if err := viper.UnmarshalKey("triangle", &tsc); err == nil {
			s.ConfigureTriangleSource(&tsc, &okay)
		}
	}
	if viper.IsSet("sine") {
		var ssc SineSourceConfig
		if err := viper.UnmarshalKey("sine", &ssc); err == nil {
			s.ConfigureSineSource(&ssc, &okay)
		}
	}
	if viper.IsSet("serial") {
		var sc SerialSourceConfig
		if err := viper.UnmarshalKey("serial", &sc); err == nil {
			s.ConfigureSerialSource(&sc, &okay)
		}
	}
	if base := viper.GetString("exportpath"); base != "" {
		s.exportBase = base
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server. It also publishes
// processed data and periodic status. If block, it will block until Ctrl-C and
// gracefully shut down; otherwise it serves in the background and returns.
func RunRPCServer(portrpc int, block bool, db *sessiondb.Connection) {
	// Set up objects to handle remote calls
	sourceControl := NewSourceControl()
	if db != nil {
		sourceControl.db = db
	}
	sourceControl.loadSettings()

	abort := make(chan struct{})
	go func() {
		if err := PublishSeries(sourceControl.publisher.Out(), abort, Ports.Series); err != nil {
			ProblemLogger.Error("[rpc] series publisher failed", zap.Error(err), zap.Int("port", Ports.Series))
		}
	}()

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-abort:
				return
			case <-ticker.C:
				sourceControl.mu.Lock()
				sourceControl.broadcastUpdate()
				sourceControl.mu.Unlock()
			}
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	if err := server.Register(sourceControl); err != nil {
		ProblemLogger.Fatal("[rpc] cannot register SourceControl", zap.Error(err))
	}
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		ProblemLogger.Fatal("[rpc] listen error", zap.Error(err), zap.String("port", port))
	}
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-abort:
					return
				default:
				}
				ProblemLogger.Warn("[rpc] accept error", zap.Error(err))
				continue
			}
			UpdateLogger.Info("[rpc] new connection established", zap.Stringer("remote", conn.RemoteAddr()))
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}()
	if !block {
		return
	}

	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt, syscall.SIGTERM)
	<-interruptCatcher
	UpdateLogger.Info("[rpc] caught interrupt; shutting down")
	sourceControl.mu.Lock()
	if sourceControl.running() {
		if err := sourceControl.session.Stop(); err != nil {
			ProblemLogger.Warn("[rpc] stopping session at shutdown", zap.Error(err))
		}
	}
	sourceControl.mu.Unlock()
	close(abort)
	listener.Close()
}
