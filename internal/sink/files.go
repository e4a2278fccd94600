package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nugget/ohmpub/internal/sensor"
)

// Files appends each reading as a JSON line to a per-sensor text file.
// A file that grows past the size limit is started over, which keeps the
// directory usable by file-watching consumers without rotation.
type Files struct {
	dir     string
	create  bool
	maxSize int64
	logger  *slog.Logger
	open    func(path string) (io.WriteCloser, error)
}

// NewFiles creates a file sink writing into dir. When create is set the
// directory is created on Prepare; otherwise it must already exist.
func NewFiles(dir string, create bool, maxSizeKB int, logger *slog.Logger) *Files {
	if logger == nil {
		logger = slog.Default()
	}
	return &Files{
		dir:     dir,
		create:  create,
		maxSize: int64(maxSizeKB) * 1024,
		logger:  logger,
		open:    openAppend,
	}
}

func openAppend(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
}

// FileName returns the data file name for r: {machine}-{id}.txt with the
// id trimmed of separators and slashes turned into dashes.
func FileName(r sensor.Reading) string {
	id := strings.Trim(r.ID, ` -/\`)
	id = strings.ReplaceAll(id, "/", "-")
	id = strings.ReplaceAll(id, `\`, "-")
	return r.Machine + "-" + id + ".txt"
}

// Prepare checks, or creates, the output directory.
func (f *Files) Prepare(context.Context) error {
	if f.dir == "" {
		return errors.New("files directory must be supplied")
	}

	info, err := os.Stat(f.dir)
	switch {
	case err == nil && !info.IsDir():
		return fmt.Errorf("files path %s is not a directory", f.dir)
	case err == nil:
		return nil
	case errors.Is(err, fs.ErrNotExist) && f.create:
		if err := os.MkdirAll(f.dir, 0o755); err != nil {
			return fmt.Errorf("create files directory %s: %w", f.dir, err)
		}
		f.logger.Info("files directory created", "dir", f.dir)
		return nil
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("files directory %s must exist", f.dir)
	default:
		return fmt.Errorf("stat files directory %s: %w", f.dir, err)
	}
}

// Publish appends the reading to its file. Control messages without a
// reading are ignored.
func (f *Files) Publish(_ context.Context, msg Message) (err error) {
	if msg.Reading == nil {
		return nil
	}

	payload := msg.Payload
	if len(payload) == 0 {
		if payload, err = json.Marshal(msg.Reading); err != nil {
			return fmt.Errorf("marshal reading %s: %w", msg.Reading.ID, err)
		}
	}

	path := filepath.Join(f.dir, FileName(*msg.Reading))
	if info, err := os.Stat(path); err == nil && f.maxSize > 0 && info.Size() > f.maxSize {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("reinitialize %s: %w", path, err)
		}
		f.logger.Debug("data file reinitialized",
			"file", path, "size_kb", fmt.Sprintf("%.1f", float64(info.Size())/1024))
	}

	file, err := f.open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, cerr)
		}
	}()

	line := append(payload[:len(payload):len(payload)], '\n')
	if _, err := file.Write(line); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Teardown is a no-op; files are closed after every write.
func (f *Files) Teardown(context.Context) error {
	return nil
}
