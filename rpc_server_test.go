package daqring

import (
	"fmt"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/daqring/analysis"
)

func simpleClient() (*rpc.Client, error) {
	serverAddress := fmt.Sprintf("localhost:%d", Ports.RPC)
	retries := 5
	wait := 10 * time.Millisecond
	tries := 1
	for {
		// One command to dial AND set up jsonrpc client:
		client, err := jsonrpc.Dial("tcp", serverAddress)
		tries++
		if err == nil || tries > retries {
			return client, err
		}
		time.Sleep(wait)
		wait = wait * 2
	}
}

func TestServer(t *testing.T) {
	client, err := simpleClient()
	require.NoError(t, err, "Could not connect simpleClient() to RPC server")
	defer client.Close()

	var okay bool
	err = client.Call("SourceControl.ConfigureTriangleSource",
		&TriangleSourceConfig{Min: 0, Max: 1, CycleSamples: 100}, &okay)
	require.NoError(t, err)
	assert.True(t, okay)
	err = client.Call("SourceControl.ConfigureTriangleSource",
		&TriangleSourceConfig{Min: 1, Max: 0, CycleSamples: 100}, &okay)
	assert.Error(t, err)
	assert.False(t, okay)

	var n = 10
	var series Series
	err = client.Call("SourceControl.ReadRecent", &n, &series)
	assert.Error(t, err, "no session yet")

	acq := DefaultAcquisitionConfig()
	acq.Channels = []string{"/Dev1/ai1", "ai0"}
	acq.SamplingRateHz = 10000
	acq.SamplesPerRead = 100
	err = client.Call("SourceControl.ConfigureAcquisition", &acq, &okay)
	require.NoError(t, err)
	assert.True(t, okay)

	// Try to start and stop with a wrong name
	sourceName := "harrypotter"
	err = client.Call("SourceControl.Start", &sourceName, &okay)
	assert.Error(t, err, "unknown source name")
	err = client.Call("SourceControl.Stop", &sourceName, &okay)
	assert.Error(t, err, "no active source")

	sourceName = "TriangleSource"
	require.NoError(t, client.Call("SourceControl.Start", &sourceName, &okay))
	assert.True(t, okay)
	assert.Error(t, client.Call("SourceControl.Start", &sourceName, &okay), "already running")
	assert.Error(t, client.Call("SourceControl.ConfigureAcquisition", &acq, &okay), "running")

	time.Sleep(100 * time.Millisecond)
	n = 50
	require.NoError(t, client.Call("SourceControl.ReadRecent", &n, &series))
	assert.Equal(t, 50, series.Len())
	assert.Equal(t, 2, series.Nchan())

	avg := AveragingArgs{SpanMs: 1, Rolling: false}
	require.NoError(t, client.Call("SourceControl.SetAveraging", &avg, &okay))
	assert.True(t, okay)
	avg.SpanMs = 0.01
	assert.Error(t, client.Call("SourceControl.SetAveraging", &avg, &okay))

	time.Sleep(50 * time.Millisecond)
	n = All
	var stats StatisticsReply
	require.NoError(t, client.Call("SourceControl.GetStatistics", &n, &stats))
	assert.Equal(t, "downsample", stats.Session.Averaging)
	assert.Equal(t, 10, stats.Session.Window)
	assert.Equal(t, []string{"ai1", "ai0"}, stats.Session.Channels)
	require.Contains(t, stats.Channels, "ai0")
	assert.GreaterOrEqual(t, stats.Channels["ai0"].Min, 0.0)
	assert.LessOrEqual(t, stats.Channels["ai0"].Max, 1.0)

	var ps analysis.PowerSpectrum
	spectrumArgs := SpectrumArgs{Nsamples: All, Window: "hanning"}
	require.NoError(t, client.Call("SourceControl.Spectrum", &spectrumArgs, &ps))
	assert.GreaterOrEqual(t, ps.FFTSize, analysis.MinFFTSize)
	assert.Len(t, ps.PSD, 2)

	dummy := ""
	require.NoError(t, client.Call("SourceControl.SendAllStatus", &dummy, &okay))
	assert.Error(t, client.Call("SourceControl.ClearData", &dummy, &okay), "cannot clear while running")

	require.NoError(t, client.Call("SourceControl.Stop", &dummy, &okay))
	assert.True(t, okay)

	dir := t.TempDir()
	exportArgs := ExportArgs{BasePath: dir, Filename: "rpctest", Quantize: true, JSONSidecar: true, NPY: true}
	var exported ExportReply
	require.NoError(t, client.Call("SourceControl.Export", &exportArgs, &exported))
	assert.Len(t, exported.Files, 3)
	assert.Positive(t, exported.Samples)
	for _, f := range exported.Files {
		_, err := os.Stat(f)
		assert.NoError(t, err)
	}
	exportArgs.Round = "sideways"
	assert.Error(t, client.Call("SourceControl.Export", &exportArgs, &exported))

	require.NoError(t, client.Call("SourceControl.ClearData", &dummy, &okay))
	exportArgs.Round = ""
	assert.Error(t, client.Call("SourceControl.Export", &exportArgs, &exported), "nothing to export")
}

func TestMain(m *testing.M) {
	abort := make(chan struct{})
	go RunClientUpdater(Ports.Status, abort)
	RunRPCServer(Ports.RPC, false, nil)

	// run tests
	code := m.Run()
	close(abort)
	os.Exit(code)
}
