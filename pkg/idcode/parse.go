package idcode

import "fmt"

// ParseDPIDR splits a raw DPIDR value into its fields.
func ParseDPIDR(raw uint32) DPIDR {
	return DPIDR{
		Raw:          raw,
		Revision:     uint8((raw >> 28) & 0xF),
		PartNumber:   uint8((raw >> 20) & 0xFF),
		Minimal:      (raw>>16)&0x1 == 0x1,
		Version:      uint8((raw >> 12) & 0xF),
		DesignerCode: uint16((raw >> 1) & 0x7FF),
		Valid:        raw&0x1 == 0x1,
	}
}

// Designer returns the manufacturer that designed the debug port.
func (d DPIDR) Designer() Manufacturer {
	m, _ := LookupManufacturer(d.DesignerCode)
	return m
}

// String returns a formatted representation suitable for diagnostics.
func (d DPIDR) String() string {
	return fmt.Sprintf("0x%08X (DPv%d, designer %s, part 0x%02X, rev %d)",
		d.Raw, d.Version, d.Designer().Name, d.PartNumber, d.Revision)
}
