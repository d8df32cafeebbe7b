package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	timeFormat  = "2006-01-02T15:04:05.000Z07:00"
	defaultFile = "./deliveryd.log"
)

// Config is the logging section of the deliveryd config.
type Config struct {
	Level   string
	Console bool
	// JSON writes raw JSON lines to stdout instead of the pretty console
	// format, for hosts where a collector tails stdout.
	JSON bool
	File FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// sinks is cfg with the level cleared: two configs with equal sinks share
// the same writers.
func (c Config) sinks() Config {
	c.Level = ""
	c.File.Path = strings.TrimSpace(c.File.Path)
	return c
}

// Service owns the log sinks. Apply is safe to call while other goroutines log.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	stdout io.Writer
	out    io.Writer
	file   *os.File

	root atomic.Pointer[zerolog.Logger]
}

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat
}

// New builds the service from cfg and returns its root logger.
func New(cfg Config) (*Service, Logger) {
	s := newService(os.Stdout)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func newService(stdout io.Writer) *Service {
	s := &Service{stdout: stdout}
	nop := zerolog.Nop()
	s.root.Store(&nop)
	return s
}

func (s *Service) current() *zerolog.Logger { return s.root.Load() }

// Apply installs cfg. Sinks are rebuilt only when they differ from the
// current ones, so a level change keeps the log file open.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil || cfg.sinks() != s.cfg.sinks() {
		s.reopen(cfg)
	}
	s.cfg = cfg
	zl := zerolog.New(s.out).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	s.root.Store(&zl)
}

// reopen is called with s.mu held.
func (s *Service) reopen(cfg Config) {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
	var ws []io.Writer
	if cfg.Console {
		if cfg.JSON {
			ws = append(ws, s.stdout)
		} else {
			ws = append(ws, consoleWriter(s.stdout))
		}
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			// The logger cannot report its own sink failure.
			fmt.Fprintf(os.Stderr, "logx: open %q: %v\n", path, err)
		} else {
			s.file = f
			ws = append(ws, zerolog.SyncWriter(f))
		}
	}
	if len(ws) == 0 {
		ws = append(ws, consoleWriter(s.stdout))
	}
	s.out = zerolog.MultiLevelWriter(ws...)
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
