package obs

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	loggerMu sync.RWMutex
	logger   zerolog.Logger
	level    zerolog.Level = zerolog.InfoLevel
	out      io.Writer     = os.Stdout
)

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.MessageFieldName = "msg"
	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger = build()
}

func build() zerolog.Logger {
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "medrec-api").Logger()
}

// Logger returns the shared structured logger used across the service.
func Logger() zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// SetLevel parses lvl ("debug", "info", ...) and applies it. Unknown values keep info.
func SetLevel(lvl string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(lvl)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	loggerMu.Lock()
	level = parsed
	logger = build()
	loggerMu.Unlock()
}

// SetOutput redirects the shared logger and returns a func restoring the previous writer.
func SetOutput(w io.Writer) (restore func()) {
	loggerMu.Lock()
	prev := out
	out = w
	logger = build()
	loggerMu.Unlock()
	return func() {
		loggerMu.Lock()
		out = prev
		logger = build()
		loggerMu.Unlock()
	}
}
