package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"roombot/internal/transport"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Room    RoomConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// RoomConfig mirrors log lines at or above MinLevel into a Matrix room.
type RoomConfig struct {
	Enabled    bool
	RoomID     string
	MinLevel   string
	RatePerSec int
}

const (
	timeFormat      = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile  = "./roombot.log"
	roomQueueLength = 256
)

// Service owns the log sinks. Apply rebuilds them while every Logger handed
// out keeps working.
type Service struct {
	mu   sync.Mutex
	file *os.File
	room *roomSink

	root atomic.Pointer[zerolog.Logger]
}

// New builds the service from cfg and returns it with its root Logger.
// sender may be nil; room output is dropped until SetSender is called.
func New(cfg Config, sender transport.Sender) (*Service, Logger) {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = timeFormat

	s := &Service{room: newRoomSink(sender, roomQueueLength)}
	boot := zerolog.New(consoleWriter()).Level(parseLevel(cfg.Level, zerolog.InfoLevel)).With().Timestamp().Logger()
	s.root.Store(&boot)
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetSender wires the room sink to the chat transport, which is created
// after logging.
func (s *Service) SetSender(sender transport.Sender) { s.room.setSender(sender) }

// Apply swaps level and sinks at runtime. It is safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleWriter())
	}
	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: open %s: %v\n", path, err)
		} else {
			s.file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	s.room.configure(cfg.Room)
	if cfg.Room.Enabled {
		if strings.TrimSpace(cfg.Room.RoomID) == "" {
			fmt.Fprintln(os.Stderr, "logx: logging.room.enabled without logging.room.room_id")
		}
		writers = append(writers, s.room)
	}
	if len(writers) == 0 {
		writers = append(writers, consoleWriter())
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

// Close stops the room worker and closes the log file. Loggers stay usable
// but their file output is gone.
func (s *Service) Close() error {
	s.room.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: timeFormat}
}
