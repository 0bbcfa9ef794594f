package source

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/kernelsu/ksud/internal/types"
)

const slotSuffixKey = "androidboot.slot_suffix"

// SlotQuerier reports the A/B slot the device booted from.
type SlotQuerier interface {
	Query(ctx context.Context) (types.SlotInfo, error)
}

// PropSlotQuerier reads ro.boot.slot_suffix through getprop, falling back to
// the bootconfig and kernel command line the bootloader passed.
type PropSlotQuerier struct {
	Getprop    string // getprop binary, default "getprop"
	Bootconfig string // default /proc/bootconfig
	Cmdline    string // default /proc/cmdline
}

func (q *PropSlotQuerier) Query(ctx context.Context) (types.SlotInfo, error) {
	getprop := q.Getprop
	if getprop == "" {
		getprop = "getprop"
	}
	bootconfig := q.Bootconfig
	if bootconfig == "" {
		bootconfig = "/proc/bootconfig"
	}
	cmdline := q.Cmdline
	if cmdline == "" {
		cmdline = "/proc/cmdline"
	}

	out, err := exec.CommandContext(ctx, getprop, "ro.boot.slot_suffix").Output()
	if err == nil {
		if suffix := strings.TrimSpace(string(out)); suffix != "" {
			return slotInfo(suffix), nil
		}
	} else {
		log.Debug("getprop unavailable", "err", err)
	}

	if suffix := bootconfigSlot(bootconfig); suffix != "" {
		return slotInfo(suffix), nil
	}
	if suffix := cmdlineSlot(cmdline); suffix != "" {
		return slotInfo(suffix), nil
	}
	// not an A/B device
	return types.SlotInfo{}, nil
}

// bootconfigSlot parses lines like `androidboot.slot_suffix = "_a"`.
func bootconfigSlot(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), "=")
		if !ok || strings.TrimSpace(key) != slotSuffixKey {
			continue
		}
		return strings.Trim(strings.TrimSpace(value), `"`)
	}
	return ""
}

// cmdlineSlot parses `androidboot.slot_suffix=_a` from the kernel command line.
func cmdlineSlot(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	for _, field := range strings.Fields(string(data)) {
		if value, ok := strings.CutPrefix(field, slotSuffixKey+"="); ok {
			return value
		}
	}
	return ""
}

func slotInfo(suffix string) types.SlotInfo {
	if !strings.HasPrefix(suffix, "_") {
		suffix = "_" + suffix
	}
	switch suffix {
	case "_a":
		return types.SlotInfo{Current: "_a", Alternate: "_b"}
	case "_b":
		return types.SlotInfo{Current: "_b", Alternate: "_a"}
	}
	return types.SlotInfo{Current: suffix, Alternate: suffix}
}

// StaticSlots is a SlotQuerier returning a fixed answer.
type StaticSlots types.SlotInfo

func (s StaticSlots) Query(context.Context) (types.SlotInfo, error) {
	return types.SlotInfo(s), nil
}
