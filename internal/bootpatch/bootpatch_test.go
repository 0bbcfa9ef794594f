package bootpatch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/kernelsu/ksud/internal/bootimg"
	"github.com/kernelsu/ksud/internal/install"
	"github.com/kernelsu/ksud/internal/source"
	"github.com/kernelsu/ksud/internal/testutil"
	"github.com/kernelsu/ksud/internal/types"
)

const partitionSize = 64 * 1024

type fixture struct {
	dir       string // scratch files
	byName    string
	kernel    string
	module    string
	loader    string
	bootImage []byte
	initBoot  []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{dir: t.TempDir(), byName: t.TempDir()}
	f.kernel = f.write(t, "Image", []byte("ksu kernel"))
	f.module = f.write(t, "kernelsu.ko", []byte("\x7fELF module"))
	f.loader = f.write(t, "ksuinit", []byte("\x7fELF ksuinit"))
	f.bootImage = testutil.BuildBootImage(testutil.BootImage{
		Version: 4,
		Kernel:  []byte("stock kernel"),
		Cmdline: "console=ttyMSM0",
	})
	f.initBoot = testutil.BuildBootImage(testutil.BootImage{Version: 4, Ramdisk: testutil.MinimalRamdisk()})
	return f
}

func (f *fixture) write(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// partition creates a fixed-size partition file holding image.
func (f *fixture) partition(t *testing.T, name string, image []byte) string {
	t.Helper()
	buf := make([]byte, partitionSize)
	copy(buf, image)
	path := filepath.Join(f.byName, name)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write partition %s: %v", name, err)
	}
	return path
}

func (f *fixture) engine(confirm Confirmer) *Engine {
	return &Engine{
		Locator: &source.Locator{Slots: source.StaticSlots{Current: "_a", Alternate: "_b"}, ByNameDir: f.byName},
		Flasher: install.NewFlasher(),
		Confirm: confirm,
	}
}

func readImage(t *testing.T, path string) *bootimg.Image {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	img, err := bootimg.Unpack(data, nil)
	if err != nil {
		t.Fatalf("unpack %s: %v", path, err)
	}
	return img
}

func TestPatch_KernelExplicit(t *testing.T) {
	f := newFixture(t)
	boot := f.write(t, "boot.img", testutil.BuildBootImage(testutil.BootImage{
		Version: 0,
		Kernel:  []byte("stock kernel"),
		Ramdisk: testutil.MinimalRamdisk(),
	}))
	out := filepath.Join(f.dir, "out", "patched.img")

	path, err := f.engine(nil).Patch(context.Background(), &types.PatchPlan{Boot: boot, Kernel: f.kernel, Out: out})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if path != out {
		t.Errorf("path = %q, want %q", path, out)
	}

	img := readImage(t, path)
	if string(img.Kernel) != "ksu kernel" {
		t.Errorf("kernel = %q", img.Kernel)
	}
	if names := img.Ramdisks[0].Archive.Names(); slices.Contains(names, "init.real") {
		t.Errorf("kernel replacement touched the ramdisk: %v", names)
	}
}

func TestPatch_LKMFlash(t *testing.T) {
	f := newFixture(t)
	f.partition(t, "boot_a", f.bootImage)
	f.partition(t, "init_boot_a", f.initBoot)
	target := f.partition(t, "init_boot_b", f.initBoot)

	plan := &types.PatchPlan{
		Module:    f.module,
		Init:      f.loader,
		OTA:       true,
		Flash:     true,
		Partition: types.PartitionInitBoot,
		Out:       f.dir,
	}
	path, err := f.engine(nil).Patch(context.Background(), plan)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}

	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	flashed, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if len(flashed) != partitionSize {
		t.Fatalf("partition size changed to %d", len(flashed))
	}
	if !bytes.Equal(flashed[:len(out)], out) {
		t.Error("partition does not start with the patched image")
	}

	img := readImage(t, path)
	want := []string{"dev", "init", "init.real", "system/bin/sh", "first_stage_ramdisk/fstab.qcom", "kernelsu.ko"}
	if names := img.Ramdisks[0].Archive.Names(); !slices.Equal(names, want) {
		t.Errorf("entries = %v, want %v", names, want)
	}

	// the running slot stays stock
	current, err := os.ReadFile(filepath.Join(f.byName, "init_boot_a"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(current[:len(f.initBoot)], f.initBoot) {
		t.Error("init_boot_a modified")
	}
}

func TestPatch_FlashExplicitImage(t *testing.T) {
	f := newFixture(t)
	bootPart := f.partition(t, "boot_a", f.bootImage)
	initPart := f.partition(t, "init_boot_a", f.initBoot)
	initBoot := f.write(t, "init_boot.img", f.initBoot)

	plan := &types.PatchPlan{Boot: initBoot, Module: f.module, Init: f.loader, Flash: true, Out: f.dir}
	path, err := f.engine(nil).Patch(context.Background(), plan)
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	out, _ := os.ReadFile(path)

	flashed, _ := os.ReadFile(initPart)
	if !bytes.Equal(flashed[:len(out)], out) {
		t.Error("init_boot_a was not flashed")
	}
	untouched, _ := os.ReadFile(bootPart)
	if !bytes.Equal(untouched[:len(f.bootImage)], f.bootImage) {
		t.Error("boot_a modified")
	}
}

type declineConfirmer struct{ asked int }

func (d *declineConfirmer) ConfirmFlash(*types.Partition, int) error {
	d.asked++
	return errors.New("aborted by user")
}

func TestPatch_FlashDeclined(t *testing.T) {
	f := newFixture(t)
	target := f.partition(t, "boot_a", f.bootImage)
	before, _ := os.ReadFile(target)

	confirm := &declineConfirmer{}
	path, err := f.engine(confirm).Patch(context.Background(),
		&types.PatchPlan{Kernel: f.kernel, Flash: true, Out: f.dir})
	if err == nil {
		t.Fatal("expected error when flash is declined")
	}
	if confirm.asked != 1 {
		t.Errorf("asked %d times, want 1", confirm.asked)
	}
	if _, statErr := os.Stat(path); statErr != nil {
		t.Errorf("output not kept after declined flash: %v", statErr)
	}
	after, _ := os.ReadFile(target)
	if !bytes.Equal(before, after) {
		t.Error("partition modified after declined flash")
	}
}

func TestPatch_Errors(t *testing.T) {
	f := newFixture(t)
	vendor := f.write(t, "vendor_boot.img", testutil.BuildVendorBootImage(testutil.VendorBootImage{
		Version:  3,
		PageSize: 4096,
		Ramdisks: []testutil.VendorRamdisk{{Data: testutil.MinimalRamdisk()}},
	}))
	garbage := f.write(t, "garbage.img", bytes.Repeat([]byte{0xee}, 4096))
	initBoot := f.write(t, "init_boot.img", f.initBoot)

	tests := []struct {
		name string
		plan types.PatchPlan
		kind types.Kind
	}{
		{"nothing to do", types.PatchPlan{Boot: initBoot}, types.NoPatchSpecified},
		{"module without init", types.PatchPlan{Boot: initBoot, Module: f.module}, types.InvalidPlan},
		{"missing source", types.PatchPlan{Boot: filepath.Join(f.dir, "nope.img"), Kernel: f.kernel}, types.SourceNotFound},
		{"no partition", types.PatchPlan{Kernel: f.kernel}, types.SourceNotFound},
		{"not a boot image", types.PatchPlan{Boot: garbage, Kernel: f.kernel}, types.InvalidFormat},
		{"kernel into init_boot", types.PatchPlan{Boot: initBoot, Kernel: f.kernel}, types.NoKernelSlot},
		{"flash vendor image", types.PatchPlan{Boot: vendor, Module: f.module, Init: f.loader, Flash: true}, types.InvalidPlan},
		{"bad magiskboot", types.PatchPlan{Boot: initBoot, Kernel: f.kernel, Magiskboot: filepath.Join(f.dir, "nope")}, types.InvalidPlan},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outDir := t.TempDir()
			tt.plan.Out = outDir
			_, err := f.engine(nil).Patch(context.Background(), &tt.plan)
			if types.KindOf(err) != tt.kind {
				t.Fatalf("kind = %v, want %v (err=%v)", types.KindOf(err), tt.kind, err)
			}
			entries, _ := os.ReadDir(outDir)
			if len(entries) != 0 {
				t.Errorf("output written on failure: %v", entries)
			}
		})
	}
}
