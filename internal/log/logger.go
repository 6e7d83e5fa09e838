// Package log provides structured logging for risu using zap.
package log

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with risu-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Short "ts" key and ISO8601 timestamps in both configs
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// NewSessionID returns a fresh identifier for correlating a master/apprentice
// run's log lines across both processes.
func NewSessionID() string {
	return uuid.NewString()
}

// WithSession returns a logger with the session id field preset.
func (l *Logger) WithSession(id string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("session", id))}
}

// WithRole returns a logger with the master/apprentice role field preset.
func (l *Logger) WithRole(role string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("role", role))}
}

// Trap logs a single marker-instruction trap: the faulting instruction
// word and the decoded opcode name.
func (l *Logger) Trap(insn uint64, op string) {
	l.Debug("trap", Addr(insn), Op(op))
}

// Verdict logs the outcome of one master/apprentice comparison.
func (l *Logger) Verdict(addr uint64, verdict string, reason string) {
	l.Info("verdict", Addr(addr), zap.String("verdict", verdict), zap.String("reason", reason))
}

// Mismatch logs a register or memory mismatch at Warn level with the
// caller's detail string attached.
func (l *Logger) Mismatch(addr uint64, detail string) {
	l.Warn("mismatch", Addr(addr), zap.String("detail", detail))
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Op creates a decoded-opcode name field.
func Op(name string) zap.Field {
	return zap.String("op", name)
}

// Verdict creates a verdict-string field.
func Verdict(v string) zap.Field {
	return zap.String("verdict", v)
}
