// Package document reads what the pipeline needs to know about an uploaded
// PDF before extraction starts: its page count and descriptive metadata.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrNotPDF is returned for content that is declared or sniffed as something else.
var ErrNotPDF = errors.New("document is not a PDF")

var pdfMagic = []byte("%PDF-")

// Metadata describes a PDF document
type Metadata struct {
	NumPages int      `json:"num_pages"`
	Title    string   `json:"title,omitempty"`
	Author   string   `json:"author,omitempty"`
	Subject  string   `json:"subject,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
}

// Inspect reads the page count and the Info dictionary of a PDF. contentType
// may be empty; when set it must be application/pdf.
func Inspect(r io.ReaderAt, size int64, contentType string) (Metadata, error) {
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err != nil || (mediaType != "application/pdf" && mediaType != "application/octet-stream") {
			return Metadata{}, fmt.Errorf("content type %q: %w", contentType, ErrNotPDF)
		}
	}

	head := make([]byte, len(pdfMagic))
	if _, err := r.ReadAt(head, 0); err != nil || !bytes.Equal(head, pdfMagic) {
		return Metadata{}, ErrNotPDF
	}

	return read(r, size)
}

// InspectFile inspects a PDF on disk. The title falls back to the file name.
func InspectFile(path string) (Metadata, error) {
	f, err := os.Open(path)
	if err != nil {
		return Metadata{}, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Metadata{}, err
	}

	meta, err := Inspect(f, st.Size(), "")
	if err != nil {
		return Metadata{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if meta.Title == "" {
		meta.Title = TitleFromName(path)
	}
	return meta, nil
}

// TitleFromName derives a display title from a file name, e.g. "exam.pdf" -> "exam".
func TitleFromName(name string) string {
	base := filepath.Base(name)
	if ext := filepath.Ext(base); strings.EqualFold(ext, ".pdf") {
		base = base[:len(base)-len(ext)]
	}
	return base
}

// read parses the document. The parser panics on some malformed input, so
// panics are turned into errors here.
func read(r io.ReaderAt, size int64) (meta Metadata, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			meta, err = Metadata{}, fmt.Errorf("malformed PDF: %v", rec)
		}
	}()

	reader, err := pdf.NewReader(r, size)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read PDF: %w", err)
	}

	meta.NumPages = reader.NumPage()
	if meta.NumPages <= 0 {
		return Metadata{}, errors.New("PDF has no pages")
	}

	info := reader.Trailer().Key("Info")
	if !info.IsNull() {
		meta.Title = strings.TrimSpace(info.Key("Title").Text())
		meta.Author = strings.TrimSpace(info.Key("Author").Text())
		meta.Subject = strings.TrimSpace(info.Key("Subject").Text())
		meta.Keywords = splitKeywords(info.Key("Keywords").Text())
	}
	return meta, nil
}

func splitKeywords(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	var out []string
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}
