package logger_test

import (
	"log/slog"

	"github.com/soundprediction/textheads/pkg/logger"
)

func ExampleNewDefaultLogger() {
	log := logger.NewDefaultLogger(slog.LevelDebug)

	log.Debug("Reading corpus", "path", "wiki.txt.zst")
	log.Info("Wrote shard", "shard", 0, "rows", 512) // green in a terminal
	log.Warn("Token cache write failed")            // yellow
	log.Error("Shard failed", "shard", 3)           // red
}
