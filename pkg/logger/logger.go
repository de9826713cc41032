// 文件: pkg/logger/logger.go
// 日志 - 基于 logrus 的结构化日志
//
// 用法:
//
//	log := logger.GetLogger().WithComponent("Hub")
//	log.WithFields(logger.Fields{"asset": id}).Info("[Hub] asset listed")

package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields logrus.Fields 别名
type Fields map[string]interface{}

// Log 包装 logrus.Logger
type Log struct {
	*logrus.Logger
}

// Entry 包装 logrus.Entry
type Entry struct {
	*logrus.Entry
}

// Config 日志配置
type Config struct {
	Level  string `yaml:"level"`   // debug/info/warn/error
	Format string `yaml:"format"`  // json/text
	Output string `yaml:"output"`  // stdout/stderr/文件路径
	MaxAge int    `yaml:"max_age"` // 文件保留天数，>0 时启用滚动
}

var globalLogger *Log

func init() {
	globalLogger = New()
}

// New 创建默认 logger (text 格式，级别取 LOG_LEVEL)
func New() *Log {
	l := logrus.New()
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}
	if lvl, err := logrus.ParseLevel(strings.ToLower(level)); err == nil {
		l.SetLevel(lvl)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000000",
	})
	return &Log{Logger: l}
}

// GetLogger 全局 logger
func GetLogger() *Log {
	return globalLogger
}

// Configure 按配置调整全局 logger
func Configure(cfg Config) error {
	return globalLogger.Configure(cfg)
}

// Configure 设置级别、格式和输出
func (l *Log) Configure(cfg Config) error {
	if cfg.Level != "" {
		lvl, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return fmt.Errorf("invalid log level '%s': %w", cfg.Level, err)
		}
		l.SetLevel(lvl)
	}

	callerPrettyfier := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}

	switch cfg.Format {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
			CallerPrettyfier: callerPrettyfier,
		})
	default:
		return fmt.Errorf("invalid log format '%s'", cfg.Format)
	}

	switch cfg.Output {
	case "stdout", "":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		if cfg.MaxAge > 0 {
			l.SetOutput(&lumberjack.Logger{
				Filename: cfg.Output,
				MaxAge:   cfg.MaxAge,
				MaxSize:  100,
				Compress: true,
			})
		} else {
			file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
			if err != nil {
				return fmt.Errorf("failed to open log file '%s': %w", cfg.Output, err)
			}
			l.SetOutput(file)
		}
	}
	return nil
}

// WithComponent 附加 component 字段
func (l *Log) WithComponent(component string) *Entry {
	return &Entry{Entry: l.Logger.WithField("component", component)}
}

// WithFields 附加字段
func (l *Log) WithFields(fields Fields) *Entry {
	return &Entry{Entry: l.Logger.WithFields(logrus.Fields(fields))}
}

// WithError 附加错误
func (l *Log) WithError(err error) *Entry {
	return &Entry{Entry: l.Logger.WithError(err)}
}

// WithComponent 附加 component 字段
func (e *Entry) WithComponent(component string) *Entry {
	return &Entry{Entry: e.Entry.WithField("component", component)}
}

// WithFields 附加字段
func (e *Entry) WithFields(fields Fields) *Entry {
	return &Entry{Entry: e.Entry.WithFields(logrus.Fields(fields))}
}

// WithError 附加错误
func (e *Entry) WithError(err error) *Entry {
	return &Entry{Entry: e.Entry.WithError(err)}
}
