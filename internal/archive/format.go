package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"strings"
	"time"
)

// Format is the packaging used for a session archive.
type Format string

const (
	Zip   Format = "zip"
	TarGz Format = "tar.gz"
)

// Formats lists the supported formats, default first.
var Formats = []Format{Zip, TarGz}

// ParseFormat maps a flag value to a Format. The empty string selects Zip.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zip":
		return Zip, nil
	case "tar.gz", "tgz":
		return TarGz, nil
	default:
		return "", fmt.Errorf("%w: %q (use zip or tar.gz)", ErrUnsupportedFormat, s)
	}
}

// Ext returns the file extension including the leading dot.
func (f Format) Ext() string {
	return "." + string(f)
}

type entryWriter interface {
	WriteEntry(name string, data []byte, mod time.Time) error
	Close() error
}

func newEntryWriter(f Format, out io.Writer) (entryWriter, error) {
	switch f {
	case Zip:
		return &zipWriter{zw: zip.NewWriter(out)}, nil
	case TarGz:
		gz := gzip.NewWriter(out)
		return &tarGzWriter{gz: gz, tw: tar.NewWriter(gz)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
}

type zipWriter struct {
	zw *zip.Writer
}

func (w *zipWriter) WriteEntry(name string, data []byte, mod time.Time) error {
	f, err := w.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: mod,
	})
	if err != nil {
		return err
	}
	_, err = f.Write(data)
	return err
}

func (w *zipWriter) Close() error {
	return w.zw.Close()
}

type tarGzWriter struct {
	gz *gzip.Writer
	tw *tar.Writer
}

func (w *tarGzWriter) WriteEntry(name string, data []byte, mod time.Time) error {
	hdr := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  mod,
	}
	if err := w.tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := w.tw.Write(data)
	return err
}

func (w *tarGzWriter) Close() error {
	if err := w.tw.Close(); err != nil {
		w.gz.Close()
		return err
	}
	return w.gz.Close()
}
