package sessiondb

import "time"

// The composite types used for messages to the ClickHouse database.

// SessionMessage is the information required to make an entry in the sessions table.
type SessionMessage struct {
	ID           string
	Source       string
	Channels     []string
	SampleRateHz float64
	Averaging    string
	Window       int
	Start        time.Time
	End          time.Time
	RawSamples   uint64
	DataDrops    int
}

// ExportMessage is the information for the exports table: one row per file written.
type ExportMessage struct {
	ID        string
	SessionID string
	Filename  string
	Format    string
	Samples   int
	Size      int64
	Written   time.Time
}
