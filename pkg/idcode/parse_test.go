package idcode

import "testing"

func TestParseDPIDR(t *testing.T) {
	// Cortex-M4 SW-DP as found on nRF52 and STM32F4 parts.
	id := ParseDPIDR(0x2BA01477)

	if !id.Valid {
		t.Fatalf("expected bit 0 set")
	}
	if id.Version != 1 {
		t.Errorf("Version = %d, want 1", id.Version)
	}
	if id.PartNumber != 0xBA {
		t.Errorf("PartNumber = 0x%02X, want 0xBA", id.PartNumber)
	}
	if id.Revision != 2 {
		t.Errorf("Revision = %d, want 2", id.Revision)
	}
	if id.DesignerCode != 0x23B {
		t.Errorf("DesignerCode = 0x%03X, want 0x23B", id.DesignerCode)
	}
	if got := id.Designer().Abbreviation; got != "ARM" {
		t.Errorf("Designer = %q, want ARM", got)
	}
}

func TestParseDPIDRMinimal(t *testing.T) {
	// Cortex-M0+ MINDP
	id := ParseDPIDR(0x0BC12477)
	if !id.Minimal {
		t.Errorf("expected MINDP flag")
	}
	if id.Version != 2 {
		t.Errorf("Version = %d, want 2", id.Version)
	}
}

func TestLookupManufacturerUnknown(t *testing.T) {
	m, ok := LookupManufacturer(0x7FF)
	if ok {
		t.Fatalf("expected unknown designer")
	}
	if m.Name != "Unknown (0x7FF)" {
		t.Errorf("Name = %q", m.Name)
	}
}

func TestLookupManufacturerCodesFilled(t *testing.T) {
	m, ok := LookupManufacturer(jep106(2, 0x44))
	if !ok || m.Code != 0x144 {
		t.Fatalf("Nordic lookup = %+v, %v", m, ok)
	}
}
