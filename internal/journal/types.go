package journal

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("journal closed")

const DefaultRetain = 10000

// Config configures the journal. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means driver default
	// Retain bounds the number of kept entries. 0 means DefaultRetain.
	Retain int
}

// Entry is one recorded lifecycle event.
type Entry struct {
	At   time.Time         `json:"at"`
	Type string            `json:"type"`
	Data map[string]string `json:"data,omitempty"`
}

// Store appends entries and reads back the most recent ones.
type Store interface {
	Append(ctx context.Context, e Entry) error
	// Recent returns up to n entries, oldest first.
	Recent(ctx context.Context, n int) ([]Entry, error)
	Close() error
}
