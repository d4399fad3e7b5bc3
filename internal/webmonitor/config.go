package webmonitor

import "time"

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Addr string
	// MJPEGInterval is the preview frame interval of /stream.
	MJPEGInterval  time.Duration
	StatusInterval time.Duration
	// JPEGQuality of composited preview frames.
	JPEGQuality int
	// HistoryLimit is the default number of entries returned by /api/history.
	HistoryLimit int
	// AutoInterval is used by /api/auto/start when no interval is given.
	AutoInterval time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		MJPEGInterval:  100 * time.Millisecond,
		StatusInterval: 2 * time.Second,
		JPEGQuality:    75,
		HistoryLimit:   10,
		AutoInterval:   3 * time.Second,
	}
}
