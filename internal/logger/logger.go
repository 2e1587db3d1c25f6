// Package logger wraps github.com/rs/zerolog behind the Printf-style
// Debugf/Infof/Warnf/Errorf call shape the rest of this tree uses, so call
// sites read the same regardless of which structured-logging library sits
// behind them.
package logger

import (
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	log    = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).With().Timestamp().Logger()
	closer io.Closer
)

// Init points the logger at a log file in addition to stderr, and sets the
// minimum level. Grounded on the teacher's logger.InitLogging(debug, path)
// signature (internal/logger package referenced throughout
// internal/protocol/http/handler.go but absent from the retrieved pack).
func Init(debug bool, logFilePath string) error {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr, NoColor: false}}

	if logFilePath != "" {
		f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		writers = append(writers, f)
		closer = f
	}

	log = zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp().Logger()

	return nil
}

// Close releases the log file opened by Init, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if closer != nil {
		err := closer.Close()
		closer = nil
		return err
	}

	return nil
}

func Debugf(format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	log.Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	log.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	log.Warn().Msgf(format, args...)
}

func Errorf(format string, args ...any) {
	mu.RLock()
	defer mu.RUnlock()
	log.Error().Msgf(format, args...)
}
