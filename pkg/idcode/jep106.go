package idcode

import "fmt"

// jep106 builds the 11-bit designer code used by DPIDR and CoreSight PIDRs.
func jep106(continuation, identity uint16) uint16 {
	return continuation<<7 | identity&0x7F
}

// manufacturers covers designers commonly seen on RTT-capable targets.
var manufacturers = map[uint16]Manufacturer{
	jep106(0, 0x0E):  {Name: "Freescale (Motorola)", Abbreviation: "Freescale"},
	jep106(0, 0x15):  {Name: "NXP Semiconductors", Abbreviation: "NXP"},
	jep106(0, 0x17):  {Name: "Texas Instruments", Abbreviation: "TI"},
	jep106(0, 0x1F):  {Name: "Atmel", Abbreviation: "Atmel"},
	jep106(0, 0x20):  {Name: "STMicroelectronics", Abbreviation: "STM"},
	jep106(0, 0x49):  {Name: "Infineon", Abbreviation: "Infineon"},
	jep106(0, 0x4E):  {Name: "Samsung", Abbreviation: "Samsung"},
	jep106(1, 0x5A):  {Name: "Renesas", Abbreviation: "Renesas"},
	jep106(2, 0x44):  {Name: "Nordic Semiconductor", Abbreviation: "Nordic"},
	jep106(3, 0x21):  {Name: "Silicon Laboratories", Abbreviation: "SiLabs"},
	jep106(4, 0x3B):  {Name: "ARM Ltd", Abbreviation: "ARM"},
	jep106(4, 0x75):  {Name: "GigaDevice", Abbreviation: "GigaDevice"},
	jep106(9, 0x27):  {Name: "Raspberry Pi", Abbreviation: "RPi"},
	jep106(12, 0x06): {Name: "Espressif", Abbreviation: "Espressif"},
}

func init() {
	for code, m := range manufacturers {
		m.Code = code
		manufacturers[code] = m
	}
}

// LookupManufacturer returns manufacturer info for an 11-bit JEP106 code
func LookupManufacturer(code uint16) (Manufacturer, bool) {
	m, ok := manufacturers[code]
	if !ok {
		return Manufacturer{
			Code:         code,
			Name:         fmt.Sprintf("Unknown (0x%03X)", code),
			Abbreviation: "Unknown",
		}, false
	}
	return m, true
}
