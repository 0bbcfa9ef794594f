//go:build !linux

package install

import "os"

func clearReadOnly(string) error { return nil }

func blockDeviceSize(*os.File) (int64, error) { return -1, nil }
