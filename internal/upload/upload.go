// Package upload checks local files before they are sent to the OCR endpoint.
//
// The backend accepts PDF documents and ZIP archives of PDFs. Files are
// classified by their content; zip-based document formats such as docx only
// pass as archives when named .zip. A batch may contain at most one archive.
package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"invoicedesk/internal/api"
	"invoicedesk/internal/logger"
)

var (
	// ErrNoFiles is returned for an empty batch.
	ErrNoFiles = errors.New("no files to upload")

	// ErrUnsupportedType is returned for anything other than PDF or ZIP.
	ErrUnsupportedType = errors.New("only PDF and ZIP files are allowed")

	// ErrTooManyArchives is returned when a batch holds more than one ZIP.
	ErrTooManyArchives = errors.New("only one ZIP file can be uploaded at a time")

	// ErrEmptyFile is returned for zero-byte files.
	ErrEmptyFile = errors.New("file is empty")
)

// Kind is the detected file type.
type Kind string

const (
	KindPDF Kind = "pdf"
	KindZIP Kind = "zip"
)

// File is a validated upload candidate.
type File struct {
	Path string
	Name string
	Size int64
	Kind Kind
	MIME string
}

// FileError reports why a single file was refused.
type FileError struct {
	Path string
	Err  error
}

// Error implements the error interface.
func (e *FileError) Error() string {
	return fmt.Sprintf("upload: %s: %v", e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *FileError) Unwrap() error {
	return e.Err
}

// Inspect sniffs one file.
func Inspect(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, &FileError{Path: path, Err: err}
	}
	if info.IsDir() {
		return File{}, &FileError{Path: path, Err: fmt.Errorf("%w: is a directory", ErrUnsupportedType)}
	}
	if info.Size() == 0 {
		return File{}, &FileError{Path: path, Err: ErrEmptyFile}
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return File{}, &FileError{Path: path, Err: err}
	}

	f := File{
		Path: path,
		Name: filepath.Base(path),
		Size: info.Size(),
		MIME: mtype.String(),
	}
	switch {
	case mtype.Is("application/pdf"):
		f.Kind = KindPDF
	case isZip(path, mtype):
		f.Kind = KindZIP
	default:
		return File{}, &FileError{Path: path, Err: fmt.Errorf("%w: detected %s", ErrUnsupportedType, mtype.String())}
	}
	return f, nil
}

// isZip accepts plain archives. Zip-based formats such as docx or jar are
// only accepted when the file is named .zip.
func isZip(path string, mtype *mimetype.MIME) bool {
	if mtype.Is("application/zip") {
		return true
	}
	if !strings.EqualFold(filepath.Ext(path), ".zip") {
		return false
	}
	for m := mtype.Parent(); m != nil; m = m.Parent() {
		if m.Is("application/zip") {
			return true
		}
	}
	return false
}

// Batch is a validated set of files.
type Batch struct {
	Files []File
	log   zerolog.Logger
}

// Prepare inspects every path and applies the batch rules. All problems are
// reported together.
func Prepare(paths []string) (*Batch, error) {
	if len(paths) == 0 {
		return nil, ErrNoFiles
	}

	log := logger.WithComponent("upload")
	batch := &Batch{log: log}
	var errs []error
	archives := 0
	for _, path := range paths {
		f, err := Inspect(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if f.Kind == KindZIP {
			archives++
		}
		if ext := strings.ToLower(filepath.Ext(f.Name)); ext != "."+string(f.Kind) {
			log.Warn().
				Str("file", f.Name).
				Str("detected", string(f.Kind)).
				Msg("File extension does not match its content")
		}
		batch.Files = append(batch.Files, f)
	}
	if archives > 1 {
		errs = append(errs, ErrTooManyArchives)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	log.Debug().
		Int("files", len(batch.Files)).
		Int64("bytes", batch.TotalSize()).
		Msg("Upload batch validated")
	return batch, nil
}

// TotalSize returns the summed file size in bytes.
func (b *Batch) TotalSize() int64 {
	var total int64
	for _, f := range b.Files {
		total += f.Size
	}
	return total
}

// Open opens every file for streaming. The returned close function must be
// called once the upload finished.
func (b *Batch) Open() ([]api.UploadFile, func() error, error) {
	files := make([]api.UploadFile, 0, len(b.Files))
	closers := make([]io.Closer, 0, len(b.Files))
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	for _, f := range b.Files {
		fh, err := os.Open(f.Path)
		if err != nil {
			_ = closeAll()
			return nil, nil, &FileError{Path: f.Path, Err: err}
		}
		closers = append(closers, fh)
		files = append(files, api.UploadFile{Name: f.Name, Content: fh})
	}
	return files, closeAll, nil
}
