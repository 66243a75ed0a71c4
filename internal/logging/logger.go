package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps zerolog with configuration and rotation.
type Logger struct {
	logger zerolog.Logger
	config *Config
	file   io.WriteCloser
}

// Config holds logging configuration, loaded from Settings.Logging.
type Config struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	File       string `yaml:"file"`        // log file path (optional)
	MaxSize    int    `yaml:"max_size"`    // megabytes
	MaxBackups int    `yaml:"max_backups"` // number of old log files to keep
	MaxAge     int    `yaml:"max_age"`     // days
	Console    bool   `yaml:"console"`     // also log to console
}

var globalLogger *Logger

// Initialize sets up the global logger. Safe to call once at driver startup.
func Initialize(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{Level: "info", Console: true}
	}
	globalLogger = &Logger{config: cfg}
	return globalLogger.configure()
}

// GetLogger returns the global logger, creating a default console logger
// if Initialize was never called (e.g. in unit tests).
func GetLogger() *Logger {
	if globalLogger == nil {
		globalLogger = &Logger{config: &Config{Level: "info", Console: true}}
		_ = globalLogger.configure()
	}
	return globalLogger
}

func (l *Logger) configure() error {
	level, err := zerolog.ParseLevel(strings.ToLower(l.config.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var writers []io.Writer
	if l.config.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}

	if l.config.File != "" {
		if l.file != nil {
			l.file.Close()
		}
		rotator := &lumberjack.Logger{
			Filename:   l.config.File,
			MaxSize:    l.config.MaxSize,
			MaxBackups: l.config.MaxBackups,
			MaxAge:     l.config.MaxAge,
			Compress:   true,
		}
		l.file = rotator
		writers = append(writers, rotator)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	l.logger = zerolog.New(writer).With().Timestamp().Logger()
	log.Logger = l.logger
	return nil
}

// Close releases any open rotating file handle.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.logger.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.logger.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.logger.Error().Msg(msg) }

func (l *Logger) Debugf(format string, v ...interface{}) { l.logger.Debug().Msgf(format, v...) }
func (l *Logger) Infof(format string, v ...interface{})  { l.logger.Info().Msgf(format, v...) }
func (l *Logger) Warnf(format string, v ...interface{})  { l.logger.Warn().Msgf(format, v...) }
func (l *Logger) Errorf(format string, v ...interface{}) { l.logger.Error().Msgf(format, v...) }

// WithField returns a derived logger carrying a single structured field,
// used for per-peer and per-file log lines (node number, file name, ...).
func (l *Logger) WithField(key string, value interface{}) *zerolog.Logger {
	logger := l.logger.With().Interface(key, value).Logger()
	return &logger
}

// WithError returns a derived logger carrying an error field.
func (l *Logger) WithError(err error) *zerolog.Logger {
	logger := l.logger.With().Err(err).Logger()
	return &logger
}

// Package-level convenience wrappers around the global logger.

func Debug(msg string) { GetLogger().Debug(msg) }
func Info(msg string)  { GetLogger().Info(msg) }
func Warn(msg string)  { GetLogger().Warn(msg) }
func Error(msg string) { GetLogger().Error(msg) }

func Debugf(format string, v ...interface{}) { GetLogger().Debugf(format, v...) }
func Infof(format string, v ...interface{})  { GetLogger().Infof(format, v...) }
func Warnf(format string, v ...interface{})  { GetLogger().Warnf(format, v...) }
func Errorf(format string, v ...interface{}) { GetLogger().Errorf(format, v...) }

func WithField(key string, value interface{}) *zerolog.Logger { return GetLogger().WithField(key, value) }
func WithError(err error) *zerolog.Logger                      { return GetLogger().WithError(err) }
