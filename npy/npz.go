package npy

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"strings"
)

// OpenNPZ opens the first npy member of an npz archive, mirroring how
// np.load picks data.files[0]. The returned reader owns the member and must
// be closed.
func OpenNPZ(ra io.ReaderAt, size int64) (*Reader, string, error) {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return nil, "", fmt.Errorf("npz: open archive: %w", err)
	}
	for _, f := range zr.File {
		if !strings.HasSuffix(f.Name, ".npy") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, "", fmt.Errorf("npz: open member %s: %w", f.Name, err)
		}
		r, err := NewReader(rc)
		if err != nil {
			rc.Close()
			return nil, "", fmt.Errorf("npz: member %s: %w", f.Name, err)
		}
		r.closer = rc
		return r, strings.TrimSuffix(f.Name, ".npy"), nil
	}
	return nil, "", errors.New("npz: no npy members")
}
