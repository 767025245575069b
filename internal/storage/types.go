package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures the SQLite database.
//
// Path ":memory:" opens a private in-memory database (tests).
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}
