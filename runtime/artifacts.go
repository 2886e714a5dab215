package runtime

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/singleflight"
)

// zipDir writes every file under dir into zw, with arcnames relative to
// dir prefixed by prefix. Returns the number of files written.
func zipDir(zw *zip.Writer, dir, prefix string) (int, error) {
	count := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Pass directories vanish only on operator cleanup; skip
			// rather than poison the whole batch.
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		arcname := filepath.ToSlash(rel)
		if prefix != "" {
			arcname = prefix + "/" + arcname
		}
		w, err := zw.Create(arcname)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		_, err = io.Copy(w, f)
		_ = f.Close()
		if err != nil {
			return err
		}
		count++
		return nil
	})
	return count, err
}

// zipDirBase64 zips one directory and returns it base64-encoded.
// Returns "" when the directory holds no files.
func zipDirBase64(dir string) (string, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	count, err := zipDir(zw, dir, "")
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("zip %s: %w", dir, err)
	}
	if count == 0 {
		return "", nil
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// zipBatch zips the pass directories of a batch, each rooted at
// "<pass_id>/". Empty or missing directories are omitted; a zero file
// count yields nil bytes and the caller omits the artifact key.
func zipBatch(workdir string, passIDs []int) ([]byte, int, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	total := 0
	for _, id := range passIDs {
		dir := filepath.Join(workdir, strconv.Itoa(id))
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		n, err := zipDir(zw, dir, strconv.Itoa(id))
		if err != nil {
			_ = zw.Close()
			return nil, 0, fmt.Errorf("zip pass %d: %w", id, err)
		}
		total += n
	}
	if err := zw.Close(); err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return nil, 0, nil
	}
	return buf.Bytes(), total, nil
}

// artifactCache lazily materialises per-pass zips for the results
// endpoint. Concurrent requests for the same pass share one zip pass.
type artifactCache struct {
	group singleflight.Group
}

// PassZip returns the base64 zip of one pass directory.
func (c *artifactCache) PassZip(workdir string, runID string, passID int) (string, error) {
	key := runID + "/" + strconv.Itoa(passID)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return zipDirBase64(filepath.Join(workdir, strconv.Itoa(passID)))
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
