package types

import (
	"github.com/cockroachdb/errors"
)

// Kind classifies a patch failure. Every kind is fatal to the invocation.
type Kind int

const (
	Unknown Kind = iota
	SourceNotFound
	AmbiguousTarget
	InvalidFormat
	UnsupportedCompression
	CorruptRamdisk
	NoPatchSpecified
	KernelReadError
	NoKernelSlot
	ModuleReadError
	InitEntryMissing
	SerializationOverflow
	FlashPermission
	FlashIncomplete
	InvalidPlan
	Incompatible
)

var kindNames = map[Kind]string{
	Unknown:                "Unknown",
	SourceNotFound:         "SourceNotFound",
	AmbiguousTarget:        "AmbiguousTarget",
	InvalidFormat:          "InvalidFormat",
	UnsupportedCompression: "UnsupportedCompression",
	CorruptRamdisk:         "CorruptRamdisk",
	NoPatchSpecified:       "NoPatchSpecified",
	KernelReadError:        "KernelReadError",
	NoKernelSlot:           "NoKernelSlot",
	ModuleReadError:        "ModuleReadError",
	InitEntryMissing:       "InitEntryMissing",
	SerializationOverflow:  "SerializationOverflow",
	FlashPermission:        "FlashPermission",
	FlashIncomplete:        "FlashIncomplete",
	InvalidPlan:            "InvalidPlan",
	Incompatible:           "Incompatible",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "Unknown"
}

// Marker sentinels, one per kind. Use errors.Is(err, ErrInvalidFormat) etc.
var (
	ErrSourceNotFound         = errors.New("source not found")
	ErrAmbiguousTarget        = errors.New("ambiguous target")
	ErrInvalidFormat          = errors.New("invalid format")
	ErrUnsupportedCompression = errors.New("unsupported compression")
	ErrCorruptRamdisk         = errors.New("corrupt ramdisk")
	ErrNoPatchSpecified       = errors.New("no patch specified")
	ErrKernelRead             = errors.New("kernel read error")
	ErrNoKernelSlot           = errors.New("no kernel slot")
	ErrModuleRead             = errors.New("module read error")
	ErrInitEntryMissing       = errors.New("init entry missing")
	ErrSerializationOverflow  = errors.New("serialization overflow")
	ErrFlashPermission        = errors.New("flash permission denied")
	ErrFlashIncomplete        = errors.New("flash incomplete")
	ErrInvalidPlan            = errors.New("invalid plan")
	ErrIncompatible           = errors.New("incompatible image")
)

var sentinels = map[Kind]error{
	SourceNotFound:         ErrSourceNotFound,
	AmbiguousTarget:        ErrAmbiguousTarget,
	InvalidFormat:          ErrInvalidFormat,
	UnsupportedCompression: ErrUnsupportedCompression,
	CorruptRamdisk:         ErrCorruptRamdisk,
	NoPatchSpecified:       ErrNoPatchSpecified,
	KernelReadError:        ErrKernelRead,
	NoKernelSlot:           ErrNoKernelSlot,
	ModuleReadError:        ErrModuleRead,
	InitEntryMissing:       ErrInitEntryMissing,
	SerializationOverflow:  ErrSerializationOverflow,
	FlashPermission:        ErrFlashPermission,
	FlashIncomplete:        ErrFlashIncomplete,
	InvalidPlan:            ErrInvalidPlan,
	Incompatible:           ErrIncompatible,
}

// Errorf creates an error of the given kind.
func Errorf(kind Kind, format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), sentinels[kind])
}

// Wrapf wraps err and marks it with the given kind. Returns nil if err is nil.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), sentinels[kind])
}

// KindOf returns the kind err was marked with, or Unknown.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return Unknown
}
