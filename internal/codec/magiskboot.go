package codec

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"

	"github.com/kernelsu/ksud/internal/types"
)

// Magiskboot implements Backend by running an external magiskboot binary.
// Detection stays in-process; only the codec primitives are delegated.
type Magiskboot struct {
	Path string
}

// NewMagiskboot checks that path is an executable file.
func NewMagiskboot(path string) (*Magiskboot, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "magiskboot %s", path)
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return nil, errors.Newf("magiskboot %s is not an executable file", path)
	}
	return &Magiskboot{Path: path}, nil
}

func (m *Magiskboot) Decompress(format Format, data []byte) ([]byte, error) {
	if format == FormatNone {
		return data, nil
	}
	out, err := m.run(data, "decompress")
	if err != nil {
		return nil, types.Wrapf(types.CorruptRamdisk, err, "%s decompress", format)
	}
	return out, nil
}

func (m *Magiskboot) Compress(format Format, data []byte) ([]byte, error) {
	switch format {
	case FormatNone:
		return data, nil
	case FormatZstd:
		return nil, types.Errorf(types.UnsupportedCompression, "magiskboot cannot compress %s", format)
	}
	return m.run(data, "compress="+format.String())
}

// run writes data to a scratch directory, runs `magiskboot <verb> in out` there
// and returns the content of out.
func (m *Magiskboot) run(data []byte, verb string) ([]byte, error) {
	dir, err := os.MkdirTemp("", "magiskboot-*")
	if err != nil {
		return nil, errors.Wrap(err, "create temp dir")
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in")
	out := filepath.Join(dir, "out")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, errors.Wrap(err, "write helper input")
	}

	var stderr bytes.Buffer
	cmd := exec.Command(m.Path, verb, in, out)
	cmd.Dir = dir
	cmd.Stderr = &stderr
	log.Debug("running helper", "path", m.Path, "verb", verb, "size", len(data))
	if err := cmd.Run(); err != nil {
		return nil, errors.Wrapf(err, "magiskboot %s: %s", verb, strings.TrimSpace(stderr.String()))
	}

	result, err := os.ReadFile(out)
	if err != nil {
		return nil, errors.Wrap(err, "read helper output")
	}
	return result, nil
}
