// Package sessiondb records acquisition sessions and the files exported from them in a
// ClickHouse database. Every method is a no-op on an unconnected Connection, so callers
// never need to check whether a database is in use.
package sessiondb

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"go.uber.org/zap"
)

const databaseName = "daqring" // official SQL name of the database

const timeLayout = "2006-01-02 15:04:05.000000"

// inserter is the part of clickhouse.Conn that Connection uses.
type inserter interface {
	AsyncInsert(ctx context.Context, query string, wait bool, args ...any) error
	Close() error
}

// Connection holds an open database connection (or the error that prevented one)
// and the goroutine that serializes inserts.
type Connection struct {
	conn       inserter
	err        error
	logger     *zap.Logger
	sessionmsg chan *SessionMessage
	exportmsg  chan *ExportMessage
	errLock    sync.Mutex
	sync.WaitGroup
}

// IsConnected reports whether db can accept records.
func (db *Connection) IsConnected() bool {
	if db == nil || db.conn == nil {
		return false
	}
	db.errLock.Lock()
	defer db.errLock.Unlock()
	return db.err == nil
}

// Err returns the error that disconnected db, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	db.errLock.Lock()
	defer db.errLock.Unlock()
	return db.err
}

func (db *Connection) setErr(err error) {
	db.errLock.Lock()
	defer db.errLock.Unlock()
	db.err = err
}

// Options returns the ClickHouse options for addr, taking credentials from the
// DAQRING_DB_USER and DAQRING_DB_PASSWORD environment variables.
func Options(addr string, version string) *clickhouse.Options {
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("DAQRING_DB_USER"),
		Password: os.Getenv("DAQRING_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "daqring", Version: version},
		},
	}
	return &clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: 2 * time.Second,
	}
}

// Start opens a connection with opt and starts its insert goroutine, which runs until
// abort is closed. Failure to connect is logged and returns an unconnected (but usable)
// Connection.
func Start(opt *clickhouse.Options, logger *zap.Logger, abort <-chan struct{}) *Connection {
	db := &Connection{logger: logger}
	conn, err := clickhouse.Open(opt)
	if err != nil {
		db.err = err
		logger.Warn("[sessiondb] cannot open database", zap.Error(err))
		return db
	}
	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			logger.Warn("[sessiondb] server exception", zap.Int32("code", exception.Code),
				zap.String("message", exception.Message))
		}
		logger.Warn("[sessiondb] cannot reach database", zap.Error(err), zap.Strings("addr", opt.Addr))
		conn.Close()
		db.err = err
		return db
	}
	db.start(conn, abort)
	return db
}

func (db *Connection) start(conn inserter, abort <-chan struct{}) {
	db.conn = conn
	db.sessionmsg = make(chan *SessionMessage)
	db.exportmsg = make(chan *ExportMessage)
	db.Add(1)
	go db.handleConnection(abort)
}

// Dummy returns a Connection that is never connected.
func Dummy() *Connection {
	return &Connection{logger: zap.NewNop()}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			if err := db.conn.Close(); err != nil {
				db.logger.Warn("[sessiondb] error closing connection", zap.Error(err))
			}
			return
		case smsg := <-db.sessionmsg:
			db.handleSessionMessage(smsg)
		case emsg := <-db.exportmsg:
			db.handleExportMessage(emsg)
		}
	}
}

// RecordSession stores the start of a session. It blocks until the insert goroutine
// accepts the message, so that a session row is queued before any of its exports.
func (db *Connection) RecordSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.sessionmsg <- msg
}

// FinishSession stores the final state of a session.
func (db *Connection) FinishSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	if msg.End.IsZero() {
		msg.End = time.Now()
	}
	db.sessionmsg <- msg
}

// RecordExport stores one exported file.
func (db *Connection) RecordExport(msg *ExportMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.exportmsg <- msg
}

func (db *Connection) handleSessionMessage(m *SessionMessage) {
	ctx := context.Background()
	const nowait = false
	end := ""
	if !m.End.IsZero() {
		end = m.End.Format(timeLayout)
	}
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.Source, strings.Join(m.Channels, ","), m.SampleRateHz, m.Averaging, m.Window,
		m.Start.Format(timeLayout), end, m.RawSamples, m.DataDrops,
	); err != nil {
		db.logger.Warn("[sessiondb] error raised on AsyncInsert into sessions", zap.Error(err))
		db.setErr(fmt.Errorf("insert into sessions: %w", err))
	}
}

func (db *Connection) handleExportMessage(m *ExportMessage) {
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO exports VALUES (?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.SessionID, m.Filename, m.Format, m.Samples, m.Size, m.Written.Format(timeLayout),
	); err != nil {
		db.logger.Warn("[sessiondb] error raised on AsyncInsert into exports", zap.Error(err))
		db.setErr(fmt.Errorf("insert into exports: %w", err))
	}
}
