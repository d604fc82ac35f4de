package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"bastion/guard/config"
)

// Setup points the standard logger at a rotating file, mirrored to stdout.
// An empty filename leaves logging on stdout only. Returns a closer for
// the rotated file.
func Setup(cfg config.Logging) io.Closer {
	if cfg.Filename == "" {
		return nopCloser{}
	}
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 3
	}
	if cfg.MaxAgeDays == 0 {
		cfg.MaxAgeDays = 28
	}

	rotated := &lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotated))
	log.Printf("log rotation enabled: %s (max_size=%dMB, max_backups=%d, max_age=%dd, compress=%v)",
		cfg.Filename, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays, cfg.Compress)
	return rotated
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
