package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rl1809/stock-reservation/internal/config"
)

const megabyte = 1 << 20

// New builds the service logger and installs it as the zerolog global.
// The returned closer releases the log file, if any.
func New(cfg config.LogConfig, service string) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return zerolog.Nop(), nil, errors.Wrapf(err, "parse log level %q", cfg.Level)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	var closer io.Closer = nopCloser{}
	if cfg.FilePath != "" {
		file := newRotatingFile(cfg)
		out = zerolog.MultiLevelWriter(out, file)
		closer = file
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	log := zerolog.New(out).Level(level).With().Timestamp().Str("service", service).Logger()
	zlog.Logger = log
	zerolog.DefaultContextLogger = &log
	return log, closer, nil
}

// newRotatingFile rotates once the file would exceed MaxSizeBytes and keeps
// BackupCount old files.
func newRotatingFile(cfg config.LogConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   cfg.FilePath,
		MaxSize:    maxSizeMB(cfg.MaxSizeBytes),
		MaxBackups: cfg.BackupCount,
	}
}

// maxSizeMB converts a byte limit to lumberjack's megabyte unit, rounding up.
func maxSizeMB(bytes int64) int {
	if bytes <= 0 {
		return 0
	}
	return int((bytes + megabyte - 1) / megabyte)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
