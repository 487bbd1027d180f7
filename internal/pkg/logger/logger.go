package logger

import (
	"log/slog"
	"os"
	"strings"
)

// NewDefault 创建输出到 stdout 的默认 slog Logger。
//
// level 支持 debug / info / warn / error（大小写不敏感），无效值回退到 info。
func NewDefault(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
