package fetcher

import (
	"archive/zip"
	"bytes"
	"io"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// zipMagic is the local file header signature every ZIP archive starts with.
var zipMagic = []byte("PK\x03\x04")

// VerifyZIP checks that path is a non-empty regular file holding a readable
// ZIP archive. It returns the number of file entries.
func VerifyZIP(zipPath string) (int, error) {
	fi, err := os.Stat(zipPath)
	if err != nil {
		return 0, eris.Wrap(err, "zip: stat archive")
	}
	if !fi.Mode().IsRegular() {
		return 0, eris.Errorf("zip: %s is not a regular file", zipPath)
	}
	if fi.Size() == 0 {
		return 0, eris.Errorf("zip: %s is empty", zipPath)
	}

	f, err := os.Open(zipPath)
	if err != nil {
		return 0, eris.Wrap(err, "zip: open archive")
	}
	defer f.Close() //nolint:errcheck

	head := make([]byte, len(zipMagic))
	if _, err := io.ReadFull(f, head); err != nil || !bytes.Equal(head, zipMagic) {
		return 0, eris.Errorf("zip: %s is not a ZIP archive", zipPath)
	}

	r, err := zip.NewReader(f, fi.Size())
	if err != nil {
		return 0, eris.Wrap(err, "zip: read central directory")
	}
	n := 0
	for _, e := range r.File {
		if !e.FileInfo().IsDir() {
			n++
		}
	}
	if n == 0 {
		return 0, eris.Errorf("zip: %s has no files", zipPath)
	}
	return n, nil
}

// DataEntries returns the archive's file entries whose extension is in exts
// (case-insensitive), sorted by name. Directory entries and macOS resource
// forks are skipped.
func DataEntries(r *zip.Reader, exts ...string) []*zip.File {
	var out []*zip.File
	for _, f := range r.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") {
			continue
		}
		ext := strings.ToLower(path.Ext(f.Name))
		for _, want := range exts {
			if ext == want {
				out = append(out, f)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CopyFile copies src to dst, replacing dst.
func CopyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, eris.Wrap(err, "copy: open source")
	}
	defer in.Close() //nolint:errcheck

	out, err := os.Create(dst)
	if err != nil {
		return 0, eris.Wrap(err, "copy: create destination")
	}
	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return n, eris.Wrap(err, "copy: write")
	}
	if err := out.Close(); err != nil {
		return n, eris.Wrap(err, "copy: close")
	}
	return n, nil
}
