// Package results writes the artifacts of a session to disk: the archival
// session record, the captured frames and the experiment log.
package results

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path"
	"time"

	"github.com/teleview/teleview-server/logging"
)

// File is the file where we save the archival record of a session.
type File struct {
	// Writer is the writer for results.
	Writer io.Writer

	// fp is the underlying writer file.
	fp *os.File

	// gzip is an optional writer for compressed results.
	gzip *gzip.Writer
}

// newFile opens a results file below datadir on success and returns an
// error on failure.
func newFile(datadir, what, uuid string, compress bool) (*File, error) {
	timestamp := time.Now().UTC()
	dir := path.Join(datadir, "teleview", timestamp.Format("2006/01/02"))
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, err
	}
	name := dir + "/teleview-" + what + "-" + timestamp.Format("20060102T150405.000000000Z") + "." + uuid + ".json"
	if compress {
		name += ".gz"
	}
	// The UUID makes conflicts unlikely. O_EXCL reports them anyway.
	fp, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	if !compress {
		return &File{
			Writer: fp,
			fp:     fp,
		}, nil
	}
	writer, err := gzip.NewWriterLevel(fp, gzip.BestSpeed)
	if err != nil {
		fp.Close()
		return nil, err
	}
	return &File{
		Writer: writer,
		fp:     fp,
		gzip:   writer,
	}, nil
}

// NewFile creates a file for saving the record of the session uuid in
// datadir. The what argument is the role of the process writing it.
func NewFile(uuid, datadir, what string, compress bool) (*File, error) {
	fp, err := newFile(datadir, what, uuid, compress)
	if err != nil {
		logging.Logger.WithError(err).Warn("results: newFile failed")
		return nil, err
	}
	return fp, nil
}

// Name returns the path of the underlying file.
func (fp *File) Name() string {
	return fp.fp.Name()
}

// Close closes the results file.
func (fp *File) Close() error {
	if fp.gzip != nil {
		err := fp.gzip.Close()
		if err != nil {
			fp.fp.Close()
			return err
		}
	}
	return fp.fp.Close()
}

// WriteResult serializes |result| as JSON.
func (fp *File) WriteResult(result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = fp.Writer.Write(data)
	return err
}
