package machine

import (
	"fmt"
	"path/filepath"

	"github.com/tinyrange/ipf/internal/firmware"
)

// loadFirmware places the flash image at the top of the firmware window,
// makes it visible to instruction fetch and writes the hand-off block.
// Only the hardware backend runs firmware from guest memory.
func (b *builder) loadFirmware() error {
	window, ok := b.blocks[PurposeFirmware]
	if !ok {
		return nil
	}

	name := b.cfg.FirmwareName
	if name == "" {
		name = firmware.DefaultImageName
	}
	path := filepath.Join(b.cfg.BIOSDir, name)
	image, err := b.env.Firmware.ReadImage(path)
	if err != nil {
		return fmt.Errorf("read guest firmware: %w", err)
	}
	if len(image) == 0 {
		return fmt.Errorf("read guest firmware %s: %w", path, firmware.ErrImageEmpty)
	}

	mem := window.Bytes()
	off, err := firmware.Place(mem, image)
	if err != nil {
		return fmt.Errorf("place guest firmware %s: %w", path, err)
	}
	lines := b.env.Accelerator.SyncInstructionCache(mem[off:])
	b.firmwareRange = MemoryRegion{
		Base:    FirmwareWindowBase + uint64(off),
		Size:    uint64(len(image)),
		Purpose: PurposeFirmware,
	}
	b.log.Debug("machine: firmware loaded", "path", path, "size", len(image), "cacheLines", lines)

	return b.writeHOB()
}

func (b *builder) writeHOB() error {
	block, ok := b.blocks[PurposePlatformInfo]
	if !ok {
		return fmt.Errorf("hand-off block not planned")
	}

	var mem []firmware.MemoryDescriptor
	for _, r := range b.plan.regions {
		if r.DeviceMapped {
			continue
		}
		kind := firmware.MemoryRAM
		switch r.Purpose {
		case PurposeFirmware:
			kind = firmware.MemoryFirmware
		case PurposePlatformInfo:
			kind = firmware.MemoryPlatformInfo
		}
		mem = append(mem, firmware.MemoryDescriptor{Base: r.Base, Size: r.Size, Kind: kind})
	}

	hob, err := firmware.BuildHOB(mem, len(b.cpus), int(block.Size()))
	if err != nil {
		return fmt.Errorf("build hand-off block: %w", err)
	}
	copy(block.Bytes(), hob)
	return nil
}
