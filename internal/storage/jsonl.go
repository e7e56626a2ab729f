package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/moolen/retrace/internal/logging"
	"github.com/moolen/retrace/internal/models"
)

// JSONL persists events as one JSON object per line, append-only. Writes go
// through a buffered writer and are flushed on Stop; there is no fsync, so
// the durability guarantee is process-crash-sized, not power-loss-sized.
//
// Replay tolerates damage: blank and malformed lines are counted, logged,
// and skipped, so a torn final line from a crash never blocks startup.
type JSONL struct {
	path   string
	logger *logging.Logger

	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewJSONL creates a store appending to path. The file and its directory
// are created on Start.
func NewJSONL(path string) *JSONL {
	return &JSONL{
		path:   path,
		logger: logging.GetLogger("storage"),
	}
}

// Name implements lifecycle.Component.
func (s *JSONL) Name() string {
	return "event-store"
}

// Start opens the file for appending, creating parent directories.
func (s *JSONL) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create store directory %q: %w", dir, err)
		}
	}

	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event store %q: %w", s.path, err)
	}
	s.file = file
	s.writer = bufio.NewWriter(file)
	s.logger.Info("event store opened at %s", s.path)
	return nil
}

// Stop flushes buffered lines and closes the file.
func (s *JSONL) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.ErrorWithErr("failed to flush event store", err)
	}
	err := s.file.Close()
	s.file = nil
	s.writer = nil
	return err
}

// Append writes one event as a JSON line. Returns an error when the store
// is not started or marshalling fails; callers treat failures as
// best-effort.
func (s *JSONL) Append(event *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writer == nil {
		return fmt.Errorf("event store not started")
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %q: %w", event.ID, err)
	}
	if _, err := s.writer.Write(line); err != nil {
		return err
	}
	return s.writer.WriteByte('\n')
}

// Flush forces buffered lines to the file. Useful in tests and for hosts
// that replay a file they are concurrently appending to.
func (s *JSONL) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	return s.writer.Flush()
}

// Replay reads the file, skips events older than since, sorts the rest by
// timestamp ascending, and feeds each to fn. The file does not need Start;
// replay opens it read-only on its own.
func (s *JSONL) Replay(ctx context.Context, since int64, fn func(event *models.Event) error) error {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug("no event store at %s, nothing to replay", s.path)
			return nil
		}
		return fmt.Errorf("failed to open event store %q: %w", s.path, err)
	}
	defer file.Close()

	var events []*models.Event
	skipped := 0

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return models.FromContextErr(err)
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		event := &models.Event{}
		if err := json.Unmarshal([]byte(line), event); err != nil {
			skipped++
			continue
		}
		if event.Timestamp < since {
			continue
		}
		events = append(events, event)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan event store %q: %w", s.path, err)
	}
	if skipped > 0 {
		s.logger.Warn("skipped %d malformed lines in %s", skipped, s.path)
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})

	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return models.FromContextErr(err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}

	s.logger.InfoWithFields("replay complete",
		logging.Field("path", s.path),
		logging.Field("events", len(events)),
		logging.Field("skipped", skipped),
	)
	return nil
}
