// Package patch applies KernelSU to an unpacked boot image, either by
// replacing the kernel or by injecting the loadable kernel module into the
// ramdisk.
package patch

import (
	"os"

	"github.com/charmbracelet/log"

	"github.com/kernelsu/ksud/internal/bootimg"
	"github.com/kernelsu/ksud/internal/ramdisk"
	"github.com/kernelsu/ksud/internal/types"
)

// Ramdisk entry names used by LKM injection.
const (
	InitEntry     = "init"
	InitRealEntry = "init.real"
	ModuleEntry   = "kernelsu.ko"

	magiskBackup = ".backup/.magisk"

	initMode   = ramdisk.ModeRegular | 0o755
	moduleMode = ramdisk.ModeRegular | 0o644
)

// ReplaceKernel swaps the kernel of img for the file at path. The ramdisk is
// left untouched.
func ReplaceKernel(img *bootimg.Image, path string) error {
	if !img.HasKernel() {
		return types.Errorf(types.NoKernelSlot, "%s image has no kernel to replace", img.Version)
	}
	kernel, err := os.ReadFile(path)
	if err != nil {
		return types.Wrapf(types.KernelReadError, err, "read kernel %s", path)
	}
	if len(kernel) == 0 {
		return types.Errorf(types.KernelReadError, "kernel %s is empty", path)
	}

	log.Info("replacing kernel", "old_size", len(img.Kernel), "new_size", len(kernel))
	img.Kernel = kernel
	img.State = bootimg.KernelPatched
	return nil
}

// InjectLKM installs the KernelSU module and its init loader. The stock init
// is renamed to init.real in place, the loader is inserted as init right
// before it, and the module is appended. An image patched before gets its
// loader and module contents refreshed.
func InjectLKM(img *bootimg.Image, modulePath, initPath string) error {
	module, err := os.ReadFile(modulePath)
	if err != nil {
		return types.Wrapf(types.ModuleReadError, err, "read kernel module %s", modulePath)
	}
	loader, err := os.ReadFile(initPath)
	if err != nil {
		return types.Wrapf(types.ModuleReadError, err, "read init %s", initPath)
	}

	rd := img.PrimaryRamdisk()
	if rd == nil {
		return types.Errorf(types.InitEntryMissing, "%s image has no ramdisk", img.Version)
	}
	archive := rd.Archive
	if archive.Exists(magiskBackup) {
		return types.Errorf(types.Incompatible, "ramdisk is patched by Magisk, restore the stock image first")
	}
	idx, stock := archive.Find(InitEntry)
	if stock == nil {
		return types.Errorf(types.InitEntryMissing, "ramdisk has no %s entry", InitEntry)
	}

	if archive.Exists(InitRealEntry) {
		log.Info("ramdisk already patched, refreshing loader and module")
		stock.Data = loader
		stock.Mode = initMode
		putModule(archive, module)
		img.State = bootimg.LkmPatched
		return nil
	}

	stock.Name = InitRealEntry
	archive.Insert(idx, ramdisk.NewEntry(InitEntry, initMode, loader))
	putModule(archive, module)

	log.Info("injected kernel module", "ramdisk", rd.Name, "module_size", len(module), "init_size", len(loader))
	img.State = bootimg.LkmPatched
	return nil
}

func putModule(archive *ramdisk.Archive, module []byte) {
	if _, ko := archive.Find(ModuleEntry); ko != nil {
		ko.Data = module
		return
	}
	archive.Append(ramdisk.NewEntry(ModuleEntry, moduleMode, module))
}
