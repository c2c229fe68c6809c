package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	kit "rankbot/internal/transport"
)

// Config is the live logging configuration. Every field can change through
// Service.Apply.
type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Ops     OpsConfig
}

type FileConfig struct {
	Enabled bool
	// Path defaults to ./rankbot.log. Missing directories are created.
	Path string
}

// OpsConfig forwards log lines at MinLevel (default WARN) and above to the
// ops chat, at most RatePerSec per second. Lines over the budget are dropped.
type OpsConfig struct {
	Enabled    bool
	ChatID     int64
	ThreadID   int
	MinLevel   string
	RatePerSec int
}

const defaultLogPath = "./rankbot.log"

// Service owns the sinks behind every Logger it hands out.
type Service struct {
	mu   sync.Mutex
	root atomic.Pointer[zerolog.Logger]
	file *fileSink
	ops  *opsSink
}

// New applies cfg and returns the service and its root logger. ops may be
// nil, in which case the ops sink stays off whatever cfg says.
func New(cfg Config, ops kit.Sender) (*Service, Logger) {
	s := &Service{}
	if ops != nil {
		s.ops = newOpsSink(ops)
	}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply rebuilds the writer set. The log file is only reopened when its
// path changes.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter())
	}

	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogPath
		}
		if s.file == nil || s.file.path != path {
			s.closeFileLocked()
			f, err := openFileSink(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "logx: %v\n", err)
			}
			s.file = f
		}
		if s.file != nil {
			writers = append(writers, s.file)
		}
	} else {
		s.closeFileLocked()
	}

	if s.ops != nil {
		s.ops.configure(cfg.Ops)
		if cfg.Ops.Enabled && cfg.Ops.ChatID != 0 {
			writers = append(writers, s.ops)
		} else if cfg.Ops.Enabled {
			fmt.Fprintln(os.Stderr, "logx: ops log sink enabled without telegram.chat_id; skipping")
		}
	}

	if len(writers) == 0 {
		writers = append(writers, consoleWriter())
	}
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close flushes the ops queue and closes the log file. Loggers keep working
// afterwards and write to the console only.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ops != nil {
		s.ops.close()
	}
	err := s.closeFileLocked()
	zl := zerolog.New(consoleWriter()).Level(s.current().GetLevel()).With().Timestamp().Logger()
	s.root.Store(&zl)
	return err
}

func (s *Service) closeFileLocked() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

type fileSink struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

func openFileSink(path string) (*fileSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return &fileSink{path: path, f: f}, nil
}

func (w *fileSink) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return len(p), nil
	}
	return w.f.Write(p)
}

func (w *fileSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
}

func normalizeLevel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		return "warn"
	}
	return s
}
