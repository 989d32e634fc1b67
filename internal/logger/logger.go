package logger

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the process log sinks and the redactor shared with the executor.
type Logger struct {
	logger   zerolog.Logger
	file     *RotatingWriter
	redactor *Redactor

	console *levelGate
	disk    *levelGate
	// fileFollows is set when no file_level was configured.
	fileFollows bool
}

// Config holds logger configuration
type Config struct {
	Level string `mapstructure:"level" json:"level"`
	// FileLevel overrides Level for the log file.
	FileLevel      string   `mapstructure:"file_level" json:"file_level,omitempty"`
	File           string   `mapstructure:"file" json:"file"`
	Console        bool     `mapstructure:"console" json:"console"`
	Pretty         bool     `mapstructure:"pretty" json:"pretty"`
	Caller         bool     `mapstructure:"caller" json:"caller"`
	Redaction      bool     `mapstructure:"redaction" json:"redaction"`
	RedactPatterns []string `mapstructure:"redact_patterns" json:"redact_patterns"`
	MaxSizeMB      int      `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxAgeDays     int      `mapstructure:"max_age_days" json:"max_age_days"`
	Compress       bool     `mapstructure:"compress" json:"compress"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		Pretty:     true,
		Redaction:  true,
		MaxSizeMB:  100,
		MaxAgeDays: 7,
		Compress:   true,
	}
}

// parseLevel falls back to info for empty or unknown names.
func parseLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return zerolog.InfoLevel
	}
	return level
}

// New builds the logger and installs it as the zerolog global.
func New(cfg Config) (*Logger, error) {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg Config, console io.Writer) (*Logger, error) {
	redactor := NewRedactor()
	for _, p := range cfg.RedactPatterns {
		if err := redactor.AddPattern(p); err != nil {
			return nil, err
		}
	}
	sink := func(w io.Writer) io.Writer {
		if cfg.Redaction {
			return redactor.Wrap(w)
		}
		return w
	}

	l := &Logger{redactor: redactor, fileFollows: cfg.FileLevel == ""}
	level := parseLevel(cfg.Level)

	var gates []io.Writer
	if cfg.Console || cfg.File == "" {
		var w io.Writer = console
		if cfg.Pretty {
			w = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
		}
		l.console = newLevelGate(sink(w), level)
		gates = append(gates, l.console)
	}
	if cfg.File != "" {
		file, err := NewRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxAgeDays, cfg.Compress)
		if err != nil {
			return nil, err
		}
		fileLevel := level
		if !l.fileFollows {
			fileLevel = parseLevel(cfg.FileLevel)
		}
		l.file = file
		l.disk = newLevelGate(sink(file), fileLevel)
		gates = append(gates, l.disk)
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(gates...)).With().Timestamp()
	if cfg.Caller {
		ctx = ctx.Caller()
	}
	l.logger = ctx.Logger()

	log.Logger = l.logger
	zerolog.SetGlobalLevel(l.Level())
	return l, nil
}

// Level returns the most verbose level any sink accepts.
func (l *Logger) Level() zerolog.Level {
	level := zerolog.Disabled
	for _, g := range []*levelGate{l.console, l.disk} {
		if g != nil && g.get() < level {
			level = g.get()
		}
	}
	return level
}

// SetLevel changes the console level at runtime. The file follows unless
// it has its own level.
func (l *Logger) SetLevel(name string) error {
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		return fmt.Errorf("invalid log level %q", name)
	}
	if l.console != nil {
		l.console.set(level)
	}
	if l.disk != nil && l.fileFollows {
		l.disk.set(level)
	}
	zerolog.SetGlobalLevel(l.Level())
	return nil
}

// Close closes the log file, if any.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Redactor returns the redactor used for log output. It is always non-nil.
func (l *Logger) Redactor() *Redactor {
	return l.redactor
}

// With creates a child logger with additional context
func (l *Logger) With() zerolog.Context {
	return l.logger.With()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// levelGate drops events below its level before they reach w.
type levelGate struct {
	w     io.Writer
	level atomic.Int32
}

func newLevelGate(w io.Writer, level zerolog.Level) *levelGate {
	g := &levelGate{w: w}
	g.set(level)
	return g
}

func (g *levelGate) get() zerolog.Level       { return zerolog.Level(g.level.Load()) }
func (g *levelGate) set(level zerolog.Level) { g.level.Store(int32(level)) }

func (g *levelGate) Write(p []byte) (int, error) {
	return g.w.Write(p)
}

func (g *levelGate) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if level < g.get() {
		return len(p), nil
	}
	return g.w.Write(p)
}
