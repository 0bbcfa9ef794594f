// Package source resolves the boot image to patch: an explicit file, or the
// boot / init_boot partition of the running or alternate slot.
package source

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/kernelsu/ksud/internal/types"
)

// DefaultByNameDir holds the named partition links on Android.
const DefaultByNameDir = "/dev/block/by-name"

// Locator resolves image sources and flash targets.
type Locator struct {
	Slots     SlotQuerier
	ByNameDir string
}

// NewLocator creates a Locator using getprop for slot queries.
func NewLocator(byNameDir string) *Locator {
	if byNameDir == "" {
		byNameDir = DefaultByNameDir
	}
	return &Locator{Slots: &PropSlotQuerier{}, ByNameDir: byNameDir}
}

// Locate resolves the image the plan asks to patch.
func (l *Locator) Locate(ctx context.Context, plan *types.PatchPlan) (*types.Source, error) {
	if plan.Boot != "" {
		return openExplicit(plan.Boot)
	}

	part, err := l.resolve(ctx, plan, candidates(plan, ""))
	if err != nil {
		return nil, err
	}
	return types.NewSource("", part, func() (io.ReadCloser, error) { return openPartition(part) }), nil
}

// Target resolves the partition to flash. kind names the partition the
// image belongs to when the plan leaves it open; it may be empty.
func (l *Locator) Target(ctx context.Context, plan *types.PatchPlan, kind string) (*types.Partition, error) {
	return l.resolve(ctx, plan, candidates(plan, kind))
}

// candidates lists partition names to probe, most specific first.
func candidates(plan *types.PatchPlan, kind string) []string {
	switch {
	case plan.ReplacesKernel():
		return []string{types.PartitionBoot}
	case plan.Partition != "":
		return []string{plan.Partition}
	case kind != "":
		return []string{kind}
	default:
		return []string{types.PartitionInitBoot, types.PartitionBoot}
	}
}

func (l *Locator) resolve(ctx context.Context, plan *types.PatchPlan, names []string) (*types.Partition, error) {
	slots, err := l.Slots.Query(ctx)
	if err != nil {
		return nil, types.Wrapf(types.SourceNotFound, err, "query slot")
	}
	suffix := slots.Suffix(plan.OTA)
	log.Debug("resolved slot", "current", slots.Current, "alternate", slots.Alternate, "ota", plan.OTA, "suffix", suffix)

	var found []*types.Partition
	for _, name := range names {
		part, err := l.lookup(name+suffix, plan.Disk)
		if err != nil {
			return nil, err
		}
		if part != nil {
			found = append(found, part)
		}
	}

	switch len(found) {
	case 0:
		return nil, types.Errorf(types.SourceNotFound, "no %v partition for slot %q in %s", names, suffix, l.where(plan))
	case 1:
	default:
		return nil, types.Errorf(types.AmbiguousTarget,
			"both %s and %s exist for slot %q, choose one with --partition", found[0].Name, found[1].Name, suffix)
	}

	part := found[0]
	r, err := openPartition(part)
	if err != nil {
		return nil, err
	}
	r.Close()
	log.Info("found partition", "name", part.Name, "device", part.Device)
	return part, nil
}

func (l *Locator) lookup(name, disk string) (*types.Partition, error) {
	if disk != "" {
		return findGPTPartition(disk, name)
	}
	path := filepath.Join(l.ByNameDir, name)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, types.Wrapf(types.SourceNotFound, err, "stat %s", path)
	}
	return &types.Partition{Name: name, Device: path}, nil
}

func (l *Locator) where(plan *types.PatchPlan) string {
	if plan.Disk != "" {
		return plan.Disk
	}
	return l.ByNameDir
}

// openExplicit accepts a regular file or a device node. Compressed files are
// decompressed when read.
func openExplicit(path string) (*types.Source, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, types.Wrapf(types.SourceNotFound, err, "boot image %s", path)
	}
	if !info.Mode().IsRegular() && info.Mode()&os.ModeDevice == 0 {
		return nil, types.Errorf(types.SourceNotFound, "boot image %s is not a regular file or device", path)
	}
	return types.NewSource(path, nil, func() (io.ReadCloser, error) {
		r, _, err := OpenDecompressed(path)
		return r, err
	}), nil
}
