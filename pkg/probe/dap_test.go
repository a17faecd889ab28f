package probe

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeRAMBase = 0x20000000

// fakeDAP answers CMSIS-DAP packets like firmware attached to a Cortex-M
// whose RAM is a SimTarget.
type fakeDAP struct {
	mem   *SimTarget
	info  map[byte]string
	dpidr uint32
	cpuid uint32
	aircr uint32

	ctrl uint32
	csw  uint32
	tar  uint32

	dead        bool
	crossedPage bool
	closed      bool
}

func newFakeDAP() *fakeDAP {
	return &fakeDAP{
		mem: NewSimTarget(fakeRAMBase, 0x4000),
		info: map[byte]string{
			InfoVendorName:  "Raspberry Pi",
			InfoProductName: "Debugprobe",
			InfoSerialNum:   "E6614103E7",
			InfoProtocolVer: "2.1.0",
			InfoFirmwareVer: "2.0.1",
		},
		dpidr: 0x2BA01477,
		cpuid: 0x410FC241,
	}
}

func (f *fakeDAP) PacketSize() int      { return 64 }
func (f *fakeDAP) SerialNumber() string { return "usb-serial" }
func (f *fakeDAP) Close() error {
	f.closed = true
	return nil
}

func (f *fakeDAP) readReg(ap bool, addr byte) (uint32, bool) {
	if !ap {
		switch addr {
		case dpIDR:
			return f.dpidr, true
		case dpCTRLSTAT:
			v := f.ctrl
			if v&ctrlPowerUpReq == ctrlPowerUpReq {
				v |= ctrlPowerUpAck
			}
			return v, true
		}
		return 0, true
	}
	switch addr {
	case apCSW:
		return f.csw, true
	case apTAR:
		return f.tar, true
	case apDRW:
		addr := f.tar
		f.tar += 4
		switch addr {
		case regCPUID:
			return f.cpuid, true
		case regAIRCR:
			return f.aircr, true
		}
		var b [4]byte
		if err := f.mem.ReadMemory(addr, b[:]); err != nil {
			return 0, false
		}
		return binary.LittleEndian.Uint32(b[:]), true
	}
	return 0, true
}

func (f *fakeDAP) writeReg(ap bool, addr byte, v uint32) bool {
	if !ap {
		if addr == dpCTRLSTAT {
			f.ctrl = v
		}
		return true
	}
	switch addr {
	case apCSW:
		f.csw = v
	case apTAR:
		f.tar = v
	case apDRW:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		if err := f.mem.WriteMemory(f.tar, b[:]); err != nil {
			return false
		}
		f.tar += 4
	}
	return true
}

func (f *fakeDAP) WriteRead(cmd []byte) ([]byte, error) {
	switch cmd[0] {
	case CmdInfo:
		if cmd[1] == InfoPacketSize {
			return []byte{CmdInfo, 2, 64, 0}, nil
		}
		s := f.info[cmd[1]]
		resp := []byte{CmdInfo, byte(len(s) + 1)}
		resp = append(resp, s...)
		return append(resp, 0), nil
	case CmdConnect:
		return []byte{CmdConnect, cmd[1]}, nil
	case CmdTransfer:
		return f.transfer(cmd), nil
	case CmdTransferBlock:
		return f.transferBlock(cmd), nil
	default:
		return []byte{cmd[0], StatusOK}, nil
	}
}

func (f *fakeDAP) transfer(cmd []byte) []byte {
	count := int(cmd[2])
	resp := []byte{CmdTransfer, 0, AckOK}
	if f.dead {
		resp[2] = 0x07
		return resp
	}
	off := 3
	for i := 0; i < count; i++ {
		req := cmd[off]
		off++
		ap, read, addr := req&reqAPnDP != 0, req&reqRnW != 0, req&reqAddr
		if read {
			v, ok := f.readReg(ap, addr)
			if !ok {
				resp[1], resp[2] = byte(i), AckFault
				return resp
			}
			resp = binary.LittleEndian.AppendUint32(resp, v)
			continue
		}
		v := binary.LittleEndian.Uint32(cmd[off:])
		off += 4
		if !f.writeReg(ap, addr, v) {
			resp[1], resp[2] = byte(i), AckFault
			return resp
		}
	}
	resp[1] = byte(count)
	return resp
}

func (f *fakeDAP) transferBlock(cmd []byte) []byte {
	count := int(binary.LittleEndian.Uint16(cmd[2:]))
	req := cmd[4]
	ap, read, addr := req&reqAPnDP != 0, req&reqRnW != 0, req&reqAddr

	if addr == apDRW && f.tar/tarPageSize != (f.tar+uint32(count)*4-1)/tarPageSize {
		f.crossedPage = true
	}

	resp := []byte{CmdTransferBlock, 0, 0, AckOK}
	if f.dead {
		resp[3] = 0x07
		return resp
	}
	for i := 0; i < count; i++ {
		if read {
			v, ok := f.readReg(ap, addr)
			if !ok {
				binary.LittleEndian.PutUint16(resp[1:], uint16(i))
				resp[3] = AckFault
				return resp
			}
			resp = binary.LittleEndian.AppendUint32(resp, v)
			continue
		}
		if !f.writeReg(ap, addr, binary.LittleEndian.Uint32(cmd[5+4*i:])) {
			binary.LittleEndian.PutUint16(resp[1:], uint16(i))
			resp[3] = AckFault
			return resp
		}
	}
	binary.LittleEndian.PutUint16(resp[1:], uint16(count))
	return resp
}

func testDAPCatalog() *Catalog {
	return NewCatalog([]DeviceInfo{
		{Name: "TESTCHIP", Manufacturer: "Acme", Core: "Cortex-M", RAMBase: fakeRAMBase, RAMSize: 0x4000},
	})
}

func connectedDAP(t *testing.T) (*DAPDriver, *fakeDAP) {
	t.Helper()
	fake := newFakeDAP()
	d := NewDAPDriverWithLink(fake, testDAPCatalog())
	require.NoError(t, d.Open())
	require.NoError(t, d.SetInterface(InterfaceSWD))
	require.NoError(t, d.Connect("testchip", 4000))
	return d, fake
}

func TestDAPDriverInfo(t *testing.T) {
	fake := newFakeDAP()
	d := NewDAPDriverWithLink(fake, testDAPCatalog())
	require.NoError(t, d.Open())

	info, err := d.Info()
	require.NoError(t, err)
	assert.Equal(t, "Debugprobe", info.Name)
	assert.Equal(t, "Raspberry Pi", info.Vendor)
	assert.Equal(t, "E6614103E7", info.SerialNumber)
	assert.Equal(t, "2.0.1", info.Firmware)
	assert.False(t, info.FirmwareOutdated)
	assert.Equal(t, DriverVersion, info.DriverVersion)

	require.NoError(t, d.Close())
	assert.True(t, fake.closed)
	_, err = d.Info()
	assert.ErrorIs(t, err, ErrNoProbe)
}

func TestDAPDriverOutdatedFirmware(t *testing.T) {
	fake := newFakeDAP()
	fake.info[InfoProtocolVer] = "1.10"
	delete(fake.info, InfoFirmwareVer)
	delete(fake.info, InfoSerialNum)

	d := NewDAPDriverWithLink(fake, testDAPCatalog())
	require.NoError(t, d.Open())

	info, err := d.Info()
	require.NoError(t, err)
	assert.True(t, info.FirmwareOutdated)
	assert.Equal(t, "1.10", info.Firmware)
	assert.Equal(t, "usb-serial", info.SerialNumber)
}

func TestProtocolMajor(t *testing.T) {
	tests := map[string]int{
		"2.1.0": 2,
		"v1.10": 1,
		"1":     1,
		"":      0,
		"beta":  0,
	}
	for in, want := range tests {
		assert.Equal(t, want, protocolMajor(in), in)
	}
}

func TestDAPDriverConnect(t *testing.T) {
	d, fake := connectedDAP(t)

	core, err := d.CoreInfo()
	require.NoError(t, err)
	assert.Equal(t, "Cortex-M4", core.Name)
	assert.Equal(t, "ARM Ltd", core.Designer)
	assert.Equal(t, EndianLittle, core.Endian)
	assert.Equal(t, 4000, core.SpeedKHz)
	assert.Equal(t, uint32(cswWord), fake.csw)
	assert.True(t, d.TargetConnected())
}

func TestDAPDriverConnectErrors(t *testing.T) {
	d := NewDAPDriverWithLink(newFakeDAP(), testDAPCatalog())
	require.NoError(t, d.Open())

	assert.ErrorIs(t, d.Connect("NOPE", 4000), ErrUnknownDevice)
	assert.ErrorIs(t, d.SetInterface(InterfaceJTAG), ErrNotImplemented)
	_, err := d.CoreInfo()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, d.RTTStart(), ErrNotConnected)
}

func TestDAPDriverTargetLost(t *testing.T) {
	d, fake := connectedDAP(t)
	fake.dead = true
	assert.False(t, d.TargetConnected())
	assert.False(t, d.TargetConnected())
}

func TestDAPMemoryUnaligned(t *testing.T) {
	d, fake := connectedDAP(t)
	require.NoError(t, fake.mem.WriteMemory(fakeRAMBase+0x100, []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}))

	mem := dapMemory{d}
	got := make([]byte, 5)
	require.NoError(t, mem.ReadMemory(fakeRAMBase+0x103, got))
	assert.Equal(t, []byte{3, 4, 5, 6, 7}, got)

	require.NoError(t, mem.WriteMemory(fakeRAMBase+0x101, []byte{0xAA, 0xBB}))
	require.NoError(t, mem.WriteMemory(fakeRAMBase+0x106, []byte{0xCC, 0xDD, 0xEE}))
	all := make([]byte, 10)
	require.NoError(t, fake.mem.ReadMemory(fakeRAMBase+0x100, all))
	assert.Equal(t, []byte{0, 0xAA, 0xBB, 3, 4, 5, 0xCC, 0xDD, 0xEE, 9}, all)
}

func TestDAPMemoryPageBoundary(t *testing.T) {
	d, fake := connectedDAP(t)

	mem := dapMemory{d}
	buf := make([]byte, 2048)
	require.NoError(t, mem.ReadMemory(fakeRAMBase+0x3F0, buf))
	require.NoError(t, mem.WriteMemory(fakeRAMBase+0x7F8, buf[:64]))
	assert.False(t, fake.crossedPage)
}

func TestDAPMemoryFault(t *testing.T) {
	d, _ := connectedDAP(t)

	buf := make([]byte, 8)
	err := dapMemory{d}.ReadMemory(0x10000000, buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "FAULT")
}

func TestDAPDriverRTT(t *testing.T) {
	d, fake := connectedDAP(t)

	require.NoError(t, d.RTTStart())
	_, _, err := d.RTTBufferCounts()
	assert.ErrorIs(t, err, ErrControlBlockNotFound)

	// Odd placement so descriptors and ring buffers are unaligned.
	require.NoError(t, fake.mem.InstallRTT(fakeRAMBase+0x1002, []uint32{64, 32}, []uint32{16}))
	fake.mem.TargetWrite(0, []byte("hello\n"))

	up, down, err := d.RTTBufferCounts()
	require.NoError(t, err)
	assert.Equal(t, 2, up)
	assert.Equal(t, 1, down)

	data, err := d.RTTRead(0, 1024)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	data, err = d.RTTRead(1, 1024)
	require.NoError(t, err)
	assert.Empty(t, data)

	n, err := d.RTTWrite(0, []byte("reset\n"))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "reset\n", string(fake.mem.TargetRead(0)))

	require.NoError(t, d.RTTStop())
	_, err = d.RTTRead(0, 16)
	assert.ErrorIs(t, err, ErrControlBlockNotFound)
}

func TestDAPDriverControlBlockHint(t *testing.T) {
	d, fake := connectedDAP(t)
	require.NoError(t, fake.mem.InstallRTT(fakeRAMBase+0x2000, []uint32{64}, nil))
	d.ControlBlockAddress = fakeRAMBase + 0x2000

	require.NoError(t, d.RTTStart())
	up, down, err := d.RTTBufferCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, up)
	assert.Equal(t, 0, down)
}

func TestCoreName(t *testing.T) {
	tests := map[uint32]string{
		0x410CC200: "Cortex-M0",
		0x410CC601: "Cortex-M0+",
		0x412FC230: "Cortex-M3",
		0x410FC241: "Cortex-M4",
		0x411FC272: "Cortex-M7",
		0x410FD213: "Cortex-M33",
		0x00000000: "",
		0x410FC990: "",
	}
	for cpuid, want := range tests {
		assert.Equal(t, want, coreName(cpuid), "CPUID 0x%08X", cpuid)
	}
}
