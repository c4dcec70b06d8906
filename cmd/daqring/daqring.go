package main

import (
	"flag"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"github.com/usnistgov/daqring"
	"github.com/usnistgov/daqring/internal/sessiondb"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var githash = "githash not computed"
var gitdate = "git date not computed"
var buildDate = "build date not computed"

// makeFileExist checks that dir/filename exists, and creates the directory
// and file if it doesn't.
func makeFileExist(dir, filename string) (string, error) {
	// Replace 1 instance of "$HOME" in the path with the actual home directory.
	if strings.Contains(dir, "$HOME") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dir = strings.Replace(dir, "$HOME", home, 1)
	}

	// Create directory <path>, if needed
	if _, err := os.Stat(dir); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err2 := os.MkdirAll(dir, 0775); err2 != nil {
			return "", err2
		}
	}

	// Create an empty file path/filename, if it doesn't exist.
	fullname := path.Join(dir, filename)
	if _, err := os.Stat(fullname); os.IsNotExist(err) {
		f, err2 := os.OpenFile(fullname, os.O_WRONLY|os.O_CREATE, 0664)
		if err2 != nil {
			return "", err2
		}
		f.Close()
	}
	return fullname, nil
}

// setupViper sets up the viper configuration manager: says where to find config
// files and the filename and suffix. Sets some defaults.
func setupViper() error {
	viper.SetDefault("Verbose", false)
	viper.SetDefault("database.address", "")

	HOME, err := os.UserHomeDir()
	if err != nil { // Handle errors reading the config file
		fmt.Printf("Error finding User Home Dir: %s\n", err)
	}
	dotDaqring := filepath.Join(HOME, ".daqring")
	const filename string = "config"
	const suffix string = ".yaml"
	if _, err := makeFileExist(dotDaqring, filename+suffix); err != nil {
		return err
	}

	viper.SetConfigName(filename)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(filepath.FromSlash("/etc/daqring"))
	viper.AddConfigPath(dotDaqring)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil { // Find and read the config file
		return fmt.Errorf("error reading config file: %s", err)
	}
	return nil
}

// startLogger returns a logger writing to the file pfname, rotated by lumberjack.
func startLogger(pfname string, level zapcore.Level) *zap.Logger {
	rotator := &lumberjack.Logger{
		Filename:   pfname,
		MaxSize:    10,   // megabytes after which new file is created
		MaxBackups: 4,    // number of backups
		MaxAge:     180,  // days
		Compress:   true, // whether to gzip the backups
	}
	return daqring.NewConsoleLogger(zapcore.AddSync(rotator), level)
}

func main() {
	buildDate = strings.ReplaceAll(buildDate, ".", " ") // workaround for Make problems
	daqring.Build.Date = buildDate
	daqring.Build.Githash = githash
	daqring.Build.Gitdate = gitdate
	daqring.Build.Summary = fmt.Sprintf("DAQRING version %s (git commit %s of %s)", daqring.Build.Version, githash, gitdate)
	if host, err := os.Hostname(); err == nil {
		daqring.Build.Host = host
	} else {
		daqring.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	dbaddr := flag.String("db", "", "ClickHouse address (host:port) for the session registry; overrides database.address")
	flag.Parse()

	if *printVersion {
		fmt.Printf("%s, built %s with %s\n", daqring.Build.Summary, buildDate, runtime.Version())
		os.Exit(0)
	}

	// Start logging problems and updates to 2 log files.
	HOME, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	logdir := filepath.Join(HOME, ".daqring", "logs")
	problemname, err := makeFileExist(logdir, "problems.log")
	if err != nil {
		panic(err)
	}
	logname, err := makeFileExist(logdir, "updates.log")
	if err != nil {
		panic(err)
	}
	daqring.ProblemLogger = startLogger(problemname, zapcore.WarnLevel)
	daqring.UpdateLogger = startLogger(logname, zapcore.InfoLevel)
	defer daqring.ProblemLogger.Sync()
	defer daqring.UpdateLogger.Sync()
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	daqring.UpdateLogger.Info("daqring starting", zap.String("build", daqring.Build.Summary))

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	abort := make(chan struct{})
	db := sessiondb.Dummy()
	addr := viper.GetString("database.address")
	if *dbaddr != "" {
		addr = *dbaddr
	}
	if addr != "" {
		db = sessiondb.Start(sessiondb.Options(addr, daqring.Build.Version), daqring.ProblemLogger, abort)
		if db.IsConnected() {
			fmt.Printf("Recording sessions in ClickHouse at %s\n", addr)
		} else {
			fmt.Printf("Could not connect to ClickHouse at %s: %v\n", addr, db.Err())
		}
	}

	go func() {
		if err := daqring.RunClientUpdater(daqring.Ports.Status, abort); err != nil {
			daqring.ProblemLogger.Error("client updater failed", zap.Error(err))
		}
	}()
	daqring.RunRPCServer(daqring.Ports.RPC, true, db)
	close(abort)
	db.Wait()
}
