package ahci

// SATA FIS type tags.
const (
	fisTypeRegH2D uint8 = 0x27
	fisTypeRegD2H uint8 = 0x34

	fisFlagCommand uint8 = 1 << 7 // register update carries a new command
)

const fisRegH2DBytes = 20

// FisRegH2D is a host-to-device register FIS.
type FisRegH2D struct {
	Command        uint8
	Features       uint8
	LBA0           uint8 // LBA bits 7:0
	LBA1           uint8 // LBA bits 15:8
	LBA2           uint8 // LBA bits 23:16
	DevHead        uint8 // device select nibble + LBA bits 27:24
	LBA3           uint8 // LBA bits 39:32 (48-bit commands)
	LBA4           uint8
	LBA5           uint8
	FeaturesExp    uint8
	SectorCount    uint8
	SectorCountExp uint8
	Control        uint8
}

// Encode lays the FIS out in wire format.
func (f *FisRegH2D) Encode() [fisRegH2DBytes]byte {
	var b [fisRegH2DBytes]byte
	b[0] = fisTypeRegH2D
	b[1] = fisFlagCommand
	b[2] = f.Command
	b[3] = f.Features
	b[4] = f.LBA0
	b[5] = f.LBA1
	b[6] = f.LBA2
	b[7] = f.DevHead
	b[8] = f.LBA3
	b[9] = f.LBA4
	b[10] = f.LBA5
	b[11] = f.FeaturesExp
	b[12] = f.SectorCount
	b[13] = f.SectorCountExp
	b[15] = f.Control
	return b
}

// DecodeFisRegH2D is the inverse of Encode. It reads the fixed fields back
// out of a wire-format register FIS.
func DecodeFisRegH2D(b []byte) FisRegH2D {
	return FisRegH2D{
		Command:        b[2],
		Features:       b[3],
		LBA0:           b[4],
		LBA1:           b[5],
		LBA2:           b[6],
		DevHead:        b[7],
		LBA3:           b[8],
		LBA4:           b[9],
		LBA5:           b[10],
		FeaturesExp:    b[11],
		SectorCount:    b[12],
		SectorCountExp: b[13],
		Control:        b[15],
	}
}

// LBA28 returns the 28-bit address packed across the three low LBA bytes
// and the low nibble of the device select byte.
func (f *FisRegH2D) LBA28() uint32 {
	return uint32(f.LBA0) | uint32(f.LBA1)<<8 | uint32(f.LBA2)<<16 |
		uint32(f.DevHead&0x0F)<<24
}

// Disk returns the device select bit from the device/head byte.
func (f *FisRegH2D) Disk() uint8 {
	return (f.DevHead >> 4) & 1
}
