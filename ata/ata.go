// Package ata holds ATA protocol constants and the IDENTIFY DEVICE data
// layout shared by SATA host drivers.
package ata

// Command opcodes.
const (
	CmdReadDMAExt     uint8 = 0x25
	CmdWriteDMAExt    uint8 = 0x35
	CmdIdentifyPacket uint8 = 0xA1
	CmdFlushCacheExt  uint8 = 0xEA
	CmdIdentify       uint8 = 0xEC
	CmdSetFeatures    uint8 = 0xEF
)

// Device/head register bits.
const (
	DevLBA uint8 = 0x40 // LBA addressing
)

// Status register bits (low byte of AHCI PxTFD).
const (
	StatusERR uint8 = 0x01
	StatusDRQ uint8 = 0x08
	StatusBSY uint8 = 0x80
)

// SET FEATURES subcommands.
const (
	FeatureWriteCacheEnable uint8 = 0x02
	FeatureReadLookaheadEna uint8 = 0xAA
)
