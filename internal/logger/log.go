// Package logger 初始化全局 zerolog 日志
package logger

import (
	"io"
	stdlog "log"
	"os"
	"strings"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Uberschutz/UberSniff/internal/config"
)

// Init 根据配置设置全局日志，进程启动时调用一次。
// 返回的 io.Closer 关闭滚动日志文件，没有日志文件时为 nil。
func Init(cfg config.LogConfig, verbose bool) io.Closer {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil && l != zerolog.NoLevel {
		level = l
	}
	if verbose && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	var console io.Writer = os.Stderr
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}
	}

	w := console
	var closer io.Closer
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		w = zerolog.MultiLevelWriter(console, file)
		closer = file
	}

	zlog.Logger = zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", "ubersniff").
		Logger()

	// 标准库 log 也写入 zerolog
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)

	return closer
}

// Component 带组件名的子日志
func Component(name string) zerolog.Logger {
	return zlog.Logger.With().Str("component", name).Logger()
}
