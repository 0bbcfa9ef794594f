package testutil

import (
	"bytes"

	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
)

const (
	sectorSize     = 512
	firstLBA       = 2048
	defaultSectors = 2048 // 1 MiB
)

// GPTPartition describes one partition of a test disk.
type GPTPartition struct {
	Name    string
	Sectors uint64 // zero means 1 MiB
	Data    []byte
}

// CreateGPTDisk creates a disk image at path with a GPT holding the given
// partitions in order, each filled with its Data.
func CreateGPTDisk(path string, parts ...GPTPartition) error {
	table := &gpt.Table{ProtectiveMBR: true}
	start := uint64(firstLBA)
	for _, p := range parts {
		sectors := p.Sectors
		if sectors == 0 {
			sectors = defaultSectors
		}
		table.Partitions = append(table.Partitions, &gpt.Partition{
			Start: start,
			End:   start + sectors - 1,
			Type:  gpt.LinuxFilesystem,
			Name:  p.Name,
		})
		start += sectors
	}
	// room for the backup GPT
	size := int64(start+firstLBA) * sectorSize

	disk, err := diskfs.Create(path, size, diskfs.Raw, diskfs.SectorSizeDefault)
	if err != nil {
		return err
	}
	defer disk.Close()

	if err := disk.Partition(table); err != nil {
		return err
	}
	for i, p := range parts {
		if len(p.Data) == 0 {
			continue
		}
		if _, err := disk.WritePartitionContents(i+1, bytes.NewReader(p.Data)); err != nil {
			return err
		}
	}
	return nil
}
