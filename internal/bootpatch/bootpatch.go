// Package bootpatch runs the boot-patch pipeline: locate the image, unpack it,
// apply KernelSU, repack, write the result and optionally flash it.
package bootpatch

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/opencontainers/go-digest"

	"github.com/kernelsu/ksud/internal/bootimg"
	"github.com/kernelsu/ksud/internal/codec"
	"github.com/kernelsu/ksud/internal/install"
	"github.com/kernelsu/ksud/internal/patch"
	"github.com/kernelsu/ksud/internal/source"
	"github.com/kernelsu/ksud/internal/types"
)

// Locator resolves the image to patch and the partition to flash.
type Locator interface {
	Locate(ctx context.Context, plan *types.PatchPlan) (*types.Source, error)
	Target(ctx context.Context, plan *types.PatchPlan, kind string) (*types.Partition, error)
}

// Flasher writes an image onto a partition.
type Flasher interface {
	Flash(ctx context.Context, data []byte, part *types.Partition) error
}

// Confirmer approves a flash before any byte is written.
type Confirmer interface {
	ConfirmFlash(part *types.Partition, size int) error
}

// Engine runs one patch invocation at a time.
type Engine struct {
	Locator Locator
	Flasher Flasher
	// Confirm is consulted before flashing; nil flashes without asking.
	Confirm Confirmer
}

// New creates an Engine over real devices.
func New(byNameDir string, confirm Confirmer) *Engine {
	return &Engine{
		Locator: source.NewLocator(byNameDir),
		Flasher: install.NewFlasher(),
		Confirm: confirm,
	}
}

// Patch executes plan and returns the path of the patched image.
func (e *Engine) Patch(ctx context.Context, plan *types.PatchPlan) (string, error) {
	if err := plan.Validate(); err != nil {
		return "", err
	}

	backend, err := newBackend(plan.Magiskboot)
	if err != nil {
		return "", err
	}

	src, err := e.Locator.Locate(ctx, plan)
	if err != nil {
		return "", err
	}
	data, err := src.ReadAll()
	if err != nil {
		return "", types.Wrapf(types.SourceNotFound, err, "read %s", src.Reference())
	}
	log.Info("read boot image", "source", src.Reference(), "size", len(data), "digest", digest.FromBytes(data))

	img, err := bootimg.Unpack(data, backend)
	if err != nil {
		return "", errors.Wrapf(err, "unpack %s", src.Reference())
	}
	release, patchLevel := img.OSVersion()
	log.Info("unpacked image", "version", img.Version, "page_size", img.PageSize,
		"kernel", img.HasKernel(), "ramdisks", len(img.Ramdisks), "os", release, "patch_level", patchLevel)
	if plan.Flash && img.Version.IsVendor() {
		return "", types.Errorf(types.InvalidPlan, "refusing to flash a %s image to boot or init_boot", img.Version)
	}

	if plan.ReplacesKernel() {
		err = patch.ReplaceKernel(img, plan.Kernel)
	} else {
		err = patch.InjectLKM(img, plan.Module, plan.Init)
	}
	if err != nil {
		return "", err
	}

	out, err := bootimg.Repack(img)
	if err != nil {
		return "", err
	}
	log.Info("repacked image", "state", img.State, "size", len(out), "digest", digest.FromBytes(out))

	path, err := install.WriteOutput(out, plan.Out)
	if err != nil {
		return "", err
	}

	if plan.Flash {
		if err := e.flash(ctx, plan, src, img, out); err != nil {
			return path, err
		}
	}
	return path, nil
}

func (e *Engine) flash(ctx context.Context, plan *types.PatchPlan, src *types.Source, img *bootimg.Image, out []byte) error {
	part := src.Partition
	if part == nil {
		var err error
		if part, err = e.Locator.Target(ctx, plan, partitionKind(img)); err != nil {
			return err
		}
	}
	if e.Confirm != nil {
		if err := e.Confirm.ConfirmFlash(part, len(out)); err != nil {
			return err
		}
	}
	return e.Flasher.Flash(ctx, out, part)
}

// partitionKind guesses which partition an image belongs to.
func partitionKind(img *bootimg.Image) string {
	if img.HasKernel() {
		return types.PartitionBoot
	}
	return types.PartitionInitBoot
}

func newBackend(magiskboot string) (codec.Backend, error) {
	if magiskboot == "" {
		return codec.InProcess{}, nil
	}
	mb, err := codec.NewMagiskboot(magiskboot)
	if err != nil {
		return nil, types.Wrapf(types.InvalidPlan, err, "magiskboot")
	}
	return mb, nil
}
