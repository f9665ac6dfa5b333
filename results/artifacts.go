package results

import (
	"bufio"
	"errors"
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/teleview/teleview-server/frame"
	"github.com/teleview/teleview-server/logging"
	"github.com/teleview/teleview-server/metrics"
)

// ErrAlreadyExists is returned when an artifact would overwrite a file.
var ErrAlreadyExists = errors.New("results: artifact already exists")

// Dir is a directory of experiment artifacts. Artifacts are never
// overwritten.
type Dir struct {
	Path string
}

// NewDir creates the artifact directory of session uuid below datadir.
func NewDir(datadir, uuid string) (*Dir, error) {
	p := filepath.Join(datadir, "teleview", time.Now().UTC().Format("2006/01/02"), uuid)
	if err := os.MkdirAll(p, 0755); err != nil {
		return nil, err
	}
	return &Dir{Path: p}, nil
}

// create opens name for writing, failing if it exists, and removes it again
// if write fails.
func (d *Dir) create(name, kind string, write func(io.Writer) error) error {
	p := filepath.Join(d.Path, name)
	fp, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if errors.Is(err, os.ErrExist) {
		metrics.Artifacts.WithLabelValues(kind, "exists").Inc()
		return fmt.Errorf("%w: %w", ErrAlreadyExists, err)
	}
	if err != nil {
		metrics.Artifacts.WithLabelValues(kind, "error").Inc()
		return err
	}
	w := bufio.NewWriter(fp)
	err = write(w)
	if err == nil {
		err = w.Flush()
	}
	if cerr := fp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		metrics.Artifacts.WithLabelValues(kind, "error").Inc()
		if rerr := os.Remove(p); rerr != nil {
			logging.Logger.WithError(rerr).Warn("results: cannot remove partial artifact")
		}
		return err
	}
	metrics.Artifacts.WithLabelValues(kind, "ok").Inc()
	return nil
}

// WriteImage encodes b as a PNG file called name.
func (d *Dir) WriteImage(name string, b *frame.Buffer) error {
	return d.create(name, "image", func(w io.Writer) error {
		return png.Encode(w, b.Image())
	})
}

// WriteLog writes lines, each terminated by a newline, to a file called
// name.
func (d *Dir) WriteLog(name string, lines []string) error {
	return d.create(name, "log", func(w io.Writer) error {
		for _, l := range lines {
			if _, err := io.WriteString(w, l+"\n"); err != nil {
				return err
			}
		}
		return nil
	})
}

// Remove deletes the artifact called name.
func (d *Dir) Remove(name string) error {
	return os.Remove(filepath.Join(d.Path, name))
}
