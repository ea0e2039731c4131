package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ksred/klear-engine/internal/config"
)

// Setup configures the global zerolog logger.
// Outside production it pretty prints to stdout; in production it writes
// JSON. When LOG_FILE is set, output is also written to a rotated file.
func Setup(cfg *config.Config) io.Closer {
	var out io.Writer = os.Stdout
	if !cfg.Production() {
		out = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	var closer io.Closer = nopCloser{}
	if cfg.LogFile != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		out = io.MultiWriter(out, fileLogger)
		closer = fileLogger
	}

	zlog.Logger = zerolog.New(out).With().Timestamp().Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	return closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
