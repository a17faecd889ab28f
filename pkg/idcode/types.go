package idcode

// DPIDR represents a parsed ADIv5/ADIv6 debug port identification register.
type DPIDR struct {
	Raw          uint32 // full register value
	Revision     uint8  // [31:28]
	PartNumber   uint8  // [27:20]
	Minimal      bool   // [16] MINDP, transaction counter and pushed ops absent
	Version      uint8  // [15:12] DP architecture version
	DesignerCode uint16 // [11:1] JEP106 continuation (4 bits) + identity (7 bits)
	Valid        bool   // bit 0 reads as one
}

// Manufacturer represents a JEP106 manufacturer entry
type Manufacturer struct {
	Code         uint16 // continuation << 7 | identity
	Name         string // "Nordic Semiconductor"
	Abbreviation string // "Nordic"
}
