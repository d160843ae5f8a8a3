package walk_test

import (
	"io"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/fincode/auditwatch/internal/walk"
	"github.com/stretchr/testify/require"
)

func TestDocuments(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	files := map[string]string{
		"q1.pdf":            "%PDF",
		"Q2.XLSX":           "PK",
		"notes.txt":         "skip",
		"archive/2024.xls":  "old",
		"archive/readme.md": "skip",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	var got []string
	for entry, err := range walk.Documents(t.Context(), dir) {
		require.NoError(t, err)
		rel, err := filepath.Rel(dir, entry.Path())
		require.NoError(t, err)
		got = append(got, filepath.ToSlash(rel))

		info, err := entry.Stat()
		require.NoError(t, err)
		require.True(t, info.Mode().IsRegular())
	}
	slices.Sort(got)
	require.Equal(t, []string{"Q2.XLSX", "archive/2024.xls", "q1.pdf"}, got)

	var pdfs []string
	for entry, err := range walk.Documents(t.Context(), dir, ".pdf") {
		require.NoError(t, err)
		rc, err := entry.Open()
		require.NoError(t, err)
		b, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		require.Equal(t, "%PDF", string(b))
		pdfs = append(pdfs, filepath.Base(entry.Path()))
	}
	require.Equal(t, []string{"q1.pdf"}, pdfs)
}

func TestDocumentsStop(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, name := range []string{"a.pdf", "b.pdf", "c.pdf"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	n := 0
	for range walk.Documents(t.Context(), dir) {
		n++
		break
	}
	require.Equal(t, 1, n)
}
