// Package observability holds the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// CLILogger is the logger used by commands. It is a no-op logger until
// InitCLILogger runs so packages can log unconditionally.
var CLILogger = zap.NewNop()

// LogConfig selects the console and optional file sinks.
type LogConfig struct {
	Level  string
	Format string // console | json

	// File, when set, receives a JSON copy of every entry with rotation.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

var (
	mu         sync.Mutex
	fileWriter *lumberjack.Logger
)

// InitCLILogger replaces CLILogger according to cfg. Console output goes to
// stderr so stdout stays clean for command output.
func InitCLILogger(cfg LogConfig) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var consoleEnc zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "console":
		c := encCfg
		c.EncodeLevel = zapcore.CapitalLevelEncoder
		consoleEnc = zapcore.NewConsoleEncoder(c)
	case "json":
		consoleEnc = zapcore.NewJSONEncoder(encCfg)
	default:
		return fmt.Errorf("unsupported log format %q (want console or json)", cfg.Format)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(consoleEnc, zapcore.Lock(os.Stderr), level),
	}

	path := strings.TrimSpace(cfg.File)
	if path != "" {
		// The directory must already exist; only the file is created.
		if _, err := os.Stat(filepath.Dir(path)); err != nil {
			return fmt.Errorf("log directory: %w", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	closeFileLocked()

	if path != "" {
		fileWriter = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    orDefault(cfg.MaxSizeMB, 20),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(fileWriter), level))
	}

	CLILogger = zap.New(zapcore.NewTee(cores...))
	return nil
}

// ParseLevel accepts zap level names; empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return lvl, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// Sync flushes CLILogger and closes the file sink.
func Sync() {
	_ = CLILogger.Sync()
	mu.Lock()
	defer mu.Unlock()
	closeFileLocked()
}

func closeFileLocked() {
	if fileWriter != nil {
		_ = fileWriter.Close()
		fileWriter = nil
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
