package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// LogLevel represents the logging verbosity level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// DebugCategory represents specific debug categories for targeted debugging
type DebugCategory string

const (
	DebugReactor DebugCategory = "reactor"
	DebugRTP     DebugCategory = "rtp"
	DebugNAL     DebugCategory = "nal"
	DebugRTSP    DebugCategory = "rtsp"
	DebugARQ     DebugCategory = "arq"
	DebugMonitor DebugCategory = "monitor"
	DebugAll     DebugCategory = "all"
)

// Config holds logger configuration
type Config struct {
	Level             LogLevel
	Format            OutputFormat
	OutputFile        string
	EnabledCategories map[DebugCategory]bool
	mu                sync.RWMutex
}

// OutputFormat determines the log output format
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Global logger instance
var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger wraps zerolog.Logger with category-based debugging
type Logger struct {
	zerolog.Logger
	config *Config
	file   *os.File
}

// NewConfig creates a new logger configuration with defaults
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		OutputFile:        "",
		EnabledCategories: make(map[DebugCategory]bool),
	}
}

// ParseLevel converts a string to LogLevel
func ParseLevel(level string) (LogLevel, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// ParseFormat converts a string to OutputFormat
func ParseFormat(format string) (OutputFormat, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

// ToZerologLevel converts LogLevel to zerolog.Level
func (l LogLevel) ToZerologLevel() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New creates a new Logger instance with the given configuration
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	switch cfg.Format {
	case FormatText:
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: "15:04:05.000"}
	case FormatJSON:
		// zerolog writes JSON natively, no wrapping needed.
	}

	zl := zerolog.New(writer).Level(cfg.Level.ToZerologLevel()).With().Timestamp().Logger()

	return &Logger{
		Logger: zl,
		config: cfg,
		file:   file,
	}, nil
}

// EnableCategory enables a specific debug category
func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == DebugAll {
		c.EnabledCategories[DebugReactor] = true
		c.EnabledCategories[DebugRTP] = true
		c.EnabledCategories[DebugNAL] = true
		c.EnabledCategories[DebugRTSP] = true
		c.EnabledCategories[DebugARQ] = true
		c.EnabledCategories[DebugMonitor] = true
	} else {
		c.EnabledCategories[category] = true
	}
}

// IsCategoryEnabled checks if a debug category is enabled
func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[category]
}

// IsDebugEnabled checks if any debug category is enabled
func (c *Config) IsDebugEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.EnabledCategories) > 0
}

// Close closes the log file if one was opened
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Category-specific logging methods

// DebugReactor logs reactor/event-loop details if reactor debugging is enabled
func (l *Logger) DebugReactor(msg string, fields map[string]any) {
	l.debugCategory(DebugReactor, "reactor", msg, fields)
}

// DebugRTP logs RTP packet details if RTP debugging is enabled
func (l *Logger) DebugRTP(msg string, fields map[string]any) {
	l.debugCategory(DebugRTP, "rtp", msg, fields)
}

// DebugNAL logs NAL unit details if NAL debugging is enabled
func (l *Logger) DebugNAL(msg string, fields map[string]any) {
	l.debugCategory(DebugNAL, "nal", msg, fields)
}

// DebugRTSP logs RTSP details if RTSP debugging is enabled
func (l *Logger) DebugRTSP(msg string, fields map[string]any) {
	l.debugCategory(DebugRTSP, "rtsp", msg, fields)
}

// DebugARQ logs reliable-UDP flow details if ARQ debugging is enabled
func (l *Logger) DebugARQ(msg string, fields map[string]any) {
	l.debugCategory(DebugARQ, "arq", msg, fields)
}

// DebugMonitor logs monitor-server details if monitor debugging is enabled
func (l *Logger) DebugMonitor(msg string, fields map[string]any) {
	l.debugCategory(DebugMonitor, "monitor", msg, fields)
}

func (l *Logger) debugCategory(cat DebugCategory, tag, msg string, fields map[string]any) {
	if !l.config.IsCategoryEnabled(cat) {
		return
	}
	ev := l.Debug().Str("category", tag)
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// DebugRTPPacket logs detailed RTP packet information
func (l *Logger) DebugRTPPacket(seq uint16, timestamp uint32, payloadType uint8, payloadSize int) {
	if !l.config.IsCategoryEnabled(DebugRTP) {
		return
	}
	l.Debug().
		Str("category", "rtp").
		Uint16("sequence", seq).
		Uint32("timestamp", timestamp).
		Uint8("payload_type", payloadType).
		Int("payload_size", payloadSize).
		Msg("RTP packet")
}

// DebugNALUnit logs NAL unit type and size
func (l *Logger) DebugNALUnit(naluType uint8, size int, fragmented bool) {
	if !l.config.IsCategoryEnabled(DebugNAL) {
		return
	}
	l.Debug().
		Str("category", "nal").
		Uint8("type", naluType).
		Str("type_name", getNALUTypeName(naluType)).
		Int("size", size).
		Bool("fragmented", fragmented).
		Msg("NAL unit")
}

// WithContext returns a Logger bound to a context (zerolog attaches no
// context-scoped fields here; kept for API parity with callers that thread
// a context through).
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{Logger: l.Logger, config: l.config, file: l.file}
}

// With returns a new Logger with the given key/value pairs attached.
func (l *Logger) With(fields map[string]any) *Logger {
	ctx := l.Logger.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{Logger: ctx.Logger(), config: l.config, file: l.file}
}

func getNALUTypeName(naluType uint8) string {
	switch naluType {
	case 1:
		return "P-frame"
	case 5:
		return "IDR"
	case 6:
		return "SEI"
	case 7:
		return "SPS"
	case 8:
		return "PPS"
	case 9:
		return "AUD"
	case 24:
		return "STAP-A"
	case 28:
		return "FU-A"
	default:
		return fmt.Sprintf("unknown(%d)", naluType)
	}
}

// SetDefault sets the global default logger
func SetDefault(l *Logger) {
	defaultLogger = l
	zerolog.DefaultContextLogger = &l.Logger
}

// Default returns the default logger, creating one if necessary
func Default() *Logger {
	once.Do(func() {
		cfg := NewConfig()
		l, err := New(cfg)
		if err != nil {
			l = &Logger{Logger: zerolog.New(os.Stderr), config: cfg}
		}
		defaultLogger = l
	})
	return defaultLogger
}

// Package-level convenience functions

func Debug() *zerolog.Event { return Default().Logger.Debug() }
func Info() *zerolog.Event  { return Default().Logger.Info() }
func Warn() *zerolog.Event  { return Default().Logger.Warn() }
func Error() *zerolog.Event { return Default().Logger.Error() }
