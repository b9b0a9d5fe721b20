package document

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPDF writes a minimal, valid PDF with the given page count and Info
// dictionary entries.
func buildPDF(pages int, info map[string]string) []byte {
	var buf bytes.Buffer
	var offsets []int

	object := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}

	buf.WriteString("%PDF-1.4\n")

	// 1: catalog, 2: page tree, 3..: pages, last: info
	object("<< /Type /Catalog /Pages 2 0 R >>")
	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", 3+i)
	}
	object(fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages))
	for i := 0; i < pages; i++ {
		object("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}

	infoRef := ""
	if len(info) > 0 {
		dict := "<<"
		for _, key := range []string{"Title", "Author", "Subject", "Keywords"} {
			if v, ok := info[key]; ok {
				dict += fmt.Sprintf(" /%s (%s)", key, v)
			}
		}
		dict += " >>"
		object(dict)
		infoRef = fmt.Sprintf(" /Info %d 0 R", len(offsets))
	}

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n", len(offsets)+1)
	buf.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R%s >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, infoRef, xref)
	return buf.Bytes()
}

func TestInspect(t *testing.T) {
	data := buildPDF(10, map[string]string{
		"Title":    "Algebra Quiz",
		"Author":   "Ms. Rivera",
		"Subject":  "Mathematics",
		"Keywords": "algebra, geometry; quiz",
	})

	meta, err := Inspect(bytes.NewReader(data), int64(len(data)), "application/pdf")
	require.NoError(t, err)

	assert.Equal(t, 10, meta.NumPages)
	assert.Equal(t, "Algebra Quiz", meta.Title)
	assert.Equal(t, "Ms. Rivera", meta.Author)
	assert.Equal(t, "Mathematics", meta.Subject)
	assert.Equal(t, []string{"algebra", "geometry", "quiz"}, meta.Keywords)
}

func TestInspectWithoutInfo(t *testing.T) {
	data := buildPDF(3, nil)

	meta, err := Inspect(bytes.NewReader(data), int64(len(data)), "")
	require.NoError(t, err)
	assert.Equal(t, 3, meta.NumPages)
	assert.Empty(t, meta.Title)
	assert.Empty(t, meta.Keywords)
}

func TestInspectRejectsNonPDF(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		contentType string
	}{
		{"wrong content type", buildPDF(1, nil), "image/png"},
		{"bad magic", []byte("hello world, not a pdf"), ""},
		{"too short", []byte("%P"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Inspect(bytes.NewReader(tt.data), int64(len(tt.data)), tt.contentType)
			assert.ErrorIs(t, err, ErrNotPDF)
		})
	}
}

func TestInspectMalformed(t *testing.T) {
	data := []byte("%PDF-1.4\nthis is not really a pdf body\n")

	_, err := Inspect(bytes.NewReader(data), int64(len(data)), "")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotPDF)
}

func TestInspectFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Unit 3 Review.pdf")
	require.NoError(t, os.WriteFile(path, buildPDF(2, nil), 0o644))

	meta, err := InspectFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.NumPages)
	assert.Equal(t, "Unit 3 Review", meta.Title)
}

func TestTitleFromName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"exam.pdf", "exam"},
		{"EXAM.PDF", "EXAM"},
		{"/tmp/uploads/notes.txt", "notes.txt"},
		{"quiz", "quiz"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TitleFromName(tt.in), tt.in)
	}
}
