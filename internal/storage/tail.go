package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/moolen/retrace/internal/logging"
	"github.com/moolen/retrace/internal/models"
)

// tailPollInterval is the fallback poll period for filesystems that drop
// notify events.
const tailPollInterval = time.Second

// Tailer follows a JSONL event file, feeding lines appended after Run
// begins. Partial lines are buffered until their newline arrives, so a
// writer flushing mid-line never produces a spurious malformed-line skip.
// Truncation restarts the read from the top; file rotation to a new inode
// is not handled.
type Tailer struct {
	path   string
	logger *logging.Logger
}

// NewTailer creates a tailer for path. The file must exist when Run is
// called.
func NewTailer(path string) *Tailer {
	return &Tailer{
		path:   path,
		logger: logging.GetLogger("storage.tail"),
	}
}

// Run blocks until ctx is done, invoking fn for every event appended to
// the file after the call. Malformed lines are logged and skipped; an
// error from fn stops the tail and is returned.
func (t *Tailer) Run(ctx context.Context, fn func(event *models.Event) error) error {
	file, err := os.Open(t.path)
	if err != nil {
		return err
	}
	defer file.Close()

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(t.path); err != nil {
		return err
	}

	ticker := time.NewTicker(tailPollInterval)
	defer ticker.Stop()

	t.logger.Info("following %s", t.path)

	var pending []byte
	for {
		select {
		case <-ctx.Done():
			return models.FromContextErr(ctx.Err())

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Write == fsnotify.Write ||
				event.Op&fsnotify.Create == fsnotify.Create {
				if offset, err = t.drain(file, offset, &pending, fn); err != nil {
					return err
				}
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn("watch error on %s: %v", t.path, err)

		case <-ticker.C:
			if offset, err = t.drain(file, offset, &pending, fn); err != nil {
				return err
			}
		}
	}
}

// drain reads everything between offset and EOF, emits the complete lines,
// and keeps the trailing partial line in pending.
func (t *Tailer) drain(file *os.File, offset int64, pending *[]byte, fn func(event *models.Event) error) (int64, error) {
	info, err := file.Stat()
	if err != nil {
		return offset, err
	}
	size := info.Size()
	if size < offset {
		t.logger.Warn("%s truncated, restarting from the top", t.path)
		offset = 0
		*pending = (*pending)[:0]
	}
	if size == offset {
		return offset, nil
	}

	buf := make([]byte, size-offset)
	n, err := file.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return offset, err
	}
	offset += int64(n)
	*pending = append(*pending, buf[:n]...)

	for {
		i := bytes.IndexByte(*pending, '\n')
		if i < 0 {
			return offset, nil
		}
		line := strings.TrimSpace(string((*pending)[:i]))
		*pending = (*pending)[i+1:]
		if line == "" {
			continue
		}
		event := &models.Event{}
		if err := json.Unmarshal([]byte(line), event); err != nil {
			t.logger.Debug("skipping malformed line in %s: %v", t.path, err)
			continue
		}
		if err := fn(event); err != nil {
			return offset, err
		}
	}
}
