package daqring

import (
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Portnumbers structs can contain all TCP port numbers used by daqring.
type Portnumbers struct {
	RPC    int
	Status int
	Series int
}

// Ports globally holds all TCP port numbers used by daqring.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
	Ports.Series = base + 2
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Host    string
	Summary string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.3.0",
	Githash: "no git hash computed",
	Gitdate: "no git date computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ProblemLogger logs warnings and errors; UpdateLogger logs state changes and
// client updates.
var (
	ProblemLogger *zap.Logger
	UpdateLogger  *zap.Logger
)

// NewConsoleLogger returns a zap logger writing human-readable lines to ws.
func NewConsoleLogger(ws zapcore.WriteSyncer, level zapcore.Level) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), ws, level)
	return zap.New(core)
}

func init() {
	setPortnumbers(5600)
	StartTime = time.Now()

	// The main program will override these, but at least initialize with a sensible value
	ProblemLogger = NewConsoleLogger(zapcore.Lock(os.Stderr), zapcore.WarnLevel)
	UpdateLogger = zap.NewNop()
}
