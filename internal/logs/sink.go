package logs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	TypeApp    = "app"
	TypeTunnel = "tunnel"

	// DefaultMaxBytes is the trailing window returned when callers pass no limit.
	DefaultMaxBytes int64 = 20000

	// isoMillis matches JavaScript's Date.toISOString output.
	isoMillis = "2006-01-02T15:04:05.000Z"
)

// Types lists every log type a project can have.
var Types = []string{TypeApp, TypeTunnel}

// ErrInvalidArgument is returned for empty ids, types or messages.
var ErrInvalidArgument = errors.New("invalid argument")

// IsValidType reports whether typ is one of Types.
func IsValidType(typ string) bool {
	for _, t := range Types {
		if t == typ {
			return true
		}
	}
	return false
}

// Sink appends to and reads back per-project log files named <id>.<type>.log.
type Sink struct {
	dir string
	now func() time.Time
}

// NewSink returns a sink rooted at dir. The directory is created lazily.
func NewSink(dir string) *Sink {
	return &Sink{dir: dir, now: time.Now}
}

func (s *Sink) path(id, typ string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s.%s.log", id, typ))
}

// Append writes one "[<timestamp>] <message>" line ending in exactly one newline.
func (s *Sink) Append(id, typ, message string) error {
	if id == "" || typ == "" || message == "" {
		return fmt.Errorf("%w: id, type and message are required", ErrInvalidArgument)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	line := fmt.Sprintf("[%s] %s\n", s.now().UTC().Format(isoMillis), strings.TrimRight(message, "\n"))

	f, err := os.OpenFile(s.path(id, typ), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append log line: %w", err)
	}
	return nil
}

// Read returns the last maxBytes bytes of the log. A missing file reads as "".
// The window may start mid-line or mid-rune.
func (s *Sink) Read(id, typ string, maxBytes int64) (string, error) {
	if id == "" || typ == "" {
		return "", fmt.Errorf("%w: id and type are required", ErrInvalidArgument)
	}
	if maxBytes < 0 {
		return "", fmt.Errorf("%w: maxBytes must not be negative", ErrInvalidArgument)
	}

	f, err := os.Open(s.path(id, typ))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("failed to stat log file: %w", err)
	}

	offset := info.Size() - maxBytes
	if offset < 0 {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return "", fmt.Errorf("failed to seek log file: %w", err)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read log file: %w", err)
	}
	return string(data), nil
}

// Clear removes every log type for id. Missing files are skipped.
func (s *Sink) Clear(id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidArgument)
	}
	for _, typ := range Types {
		err := os.Remove(s.path(id, typ))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s log: %w", typ, err)
		}
	}
	log.Debugf("[LOGS] Cleared logs for %s", id)
	return nil
}
