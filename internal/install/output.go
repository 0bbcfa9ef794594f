// Package install writes patched images to files and flashes them onto
// partitions.
package install

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

const outputTimeLayout = "20060102_150405"

// OutputName returns the default file name for an image patched at t.
func OutputName(t time.Time) string {
	return "kernelsu_patched_" + t.Format(outputTimeLayout) + ".img"
}

// OutputPath resolves where the patched image goes. An empty out means the
// working directory; an existing directory, or a path ending in a separator,
// receives a timestamped file name; anything else is the file itself.
func OutputPath(out string, now time.Time) (string, error) {
	if out == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", errors.Wrap(err, "get working directory")
		}
		return filepath.Join(wd, OutputName(now)), nil
	}
	if strings.HasSuffix(out, string(os.PathSeparator)) {
		return filepath.Join(out, OutputName(now)), nil
	}
	if info, err := os.Stat(out); err == nil && info.IsDir() {
		return filepath.Join(out, OutputName(now)), nil
	}
	return out, nil
}

// WriteOutput writes data to the path OutputPath resolves and returns it.
func WriteOutput(data []byte, out string) (string, error) {
	path, err := OutputPath(out, time.Now())
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", errors.Wrapf(err, "create output directory for %s", path)
	}
	if err := writeFileAtomic(path, data, 0o644); err != nil {
		return "", errors.Wrapf(err, "write %s", path)
	}
	log.Info("wrote patched image", "path", path, "size", len(data))
	return path, nil
}

// writeFileAtomic replaces path via a synced temp file in the same directory.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpName := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+".tmp")
	tmp, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	// fsync dir so the rename survives power loss
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
