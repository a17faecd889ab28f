package probe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/OpenTraceLab/OpenTraceRTT/pkg/idcode"
)

// DP registers (bank 0)
const (
	dpIDR      = 0x0 // read
	dpABORT    = 0x0 // write
	dpCTRLSTAT = 0x4
	dpSELECT   = 0x8
)

// MEM-AP registers
const (
	apCSW = 0x00
	apTAR = 0x04
	apDRW = 0x0C
)

const (
	ctrlPowerUpReq = 0x50000000 // CSYSPWRUPREQ | CDBGPWRUPREQ
	ctrlPowerUpAck = 0xA0000000 // CSYSPWRUPACK | CDBGPWRUPACK
	abortClearAll  = 0x1E       // ORUNERRCLR | WDERRCLR | STKERRCLR | STKCMPCLR

	// 32-bit access, single auto-increment, privileged data access
	cswWord = 0x23000012

	// TAR auto-increment is only guaranteed within a 1KB page
	tarPageSize = 1024

	regCPUID = 0xE000ED00
	regAIRCR = 0xE000ED0C

	defaultRAMScan = 64 * 1024
)

// DAPLink is the packet-level link to a CMSIS-DAP probe. USBTransport
// implements it.
type DAPLink interface {
	WriteRead(cmd []byte) ([]byte, error)
	PacketSize() int
	SerialNumber() string
	Close() error
}

// DAPDriver drives a CMSIS-DAP probe over SWD and implements RTT by reading
// target RAM through the MEM-AP.
type DAPDriver struct {
	VendorID  uint16
	ProductID uint16
	Catalog   *Catalog

	// ControlBlockAddress is checked before scanning RAM when non-zero.
	ControlBlockAddress uint32

	link     DAPLink
	protocol *DAPProtocol

	info       ProbeInfo
	iface      Interface
	device     DeviceInfo
	core       CoreInfo
	connected  bool
	rttRunning bool
	engine     *rttEngine

	mu sync.Mutex
}

// NewDAPDriver creates a driver for the first probe matching vid:pid. The
// USB device is opened by Open.
func NewDAPDriver(vid, pid uint16, catalog *Catalog) *DAPDriver {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &DAPDriver{VendorID: vid, ProductID: pid, Catalog: catalog}
}

// NewDAPDriverWithLink creates a driver over an already open link.
func NewDAPDriverWithLink(link DAPLink, catalog *Catalog) *DAPDriver {
	d := NewDAPDriver(0, 0, catalog)
	d.link = link
	return d
}

// Open opens the probe and queries its identity.
func (d *DAPDriver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.link == nil {
		t, err := NewUSBTransport(d.VendorID, d.ProductID)
		if err != nil {
			return fmt.Errorf("failed to open USB device: %w", err)
		}
		d.link = t
	}
	d.protocol = NewDAPProtocol(d.link.PacketSize())

	if err := d.queryInfo(); err != nil {
		d.link.Close()
		d.link = nil
		return fmt.Errorf("failed to query device info: %w", err)
	}
	return nil
}

func (d *DAPDriver) infoString(id byte) (string, error) {
	resp, err := d.link.WriteRead(d.protocol.EncodeInfo(id))
	if err != nil {
		return "", err
	}
	return d.protocol.DecodeInfo(resp)
}

// queryInfo retrieves device information from the probe
func (d *DAPDriver) queryInfo() error {
	vendor, err := d.infoString(InfoVendorName)
	if err != nil {
		return err
	}
	product, _ := d.infoString(InfoProductName)
	serial, _ := d.infoString(InfoSerialNum)
	if serial == "" {
		serial = d.link.SerialNumber()
	}
	version, _ := d.infoString(InfoProtocolVer)
	firmware, _ := d.infoString(InfoFirmwareVer)
	if firmware == "" {
		firmware = version
	}

	if resp, err := d.link.WriteRead(d.protocol.EncodeInfo(InfoPacketSize)); err == nil {
		if size, err := d.protocol.DecodeInfoUint16(resp); err == nil && size > 0 && int(size) <= d.link.PacketSize() {
			d.protocol.PacketSize = int(size)
		}
	}

	name := "CMSIS-DAP Probe"
	if product != "" {
		name = product
	}
	d.info = ProbeInfo{
		Name:             name,
		Vendor:           vendor,
		Model:            product,
		SerialNumber:     serial,
		Firmware:         firmware,
		FirmwareOutdated: protocolMajor(version) < 2,
		DriverVersion:    DriverVersion,
	}
	return nil
}

// protocolMajor extracts the major CMSIS-DAP version from strings such as
// "2.1.0" or "v1.10". Unparseable versions count as 0.
func protocolMajor(v string) int {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	major, _, _ := strings.Cut(v, ".")
	n, err := strconv.Atoi(major)
	if err != nil {
		return 0
	}
	return n
}

// Close disconnects and releases resources
func (d *DAPDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.link == nil {
		return nil
	}
	if d.connected {
		d.link.WriteRead(d.protocol.EncodeDisconnect())
		d.connected = false
	}
	d.rttRunning = false
	err := d.link.Close()
	d.link = nil
	return err
}

// Info returns the probe identity collected by Open.
func (d *DAPDriver) Info() (ProbeInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.link == nil {
		return ProbeInfo{}, ErrNoProbe
	}
	return d.info, nil
}

func (d *DAPDriver) NumSupportedDevices() int {
	return d.Catalog.NumSupportedDevices()
}

func (d *DAPDriver) SupportedDevice(index int) (DeviceInfo, error) {
	return d.Catalog.SupportedDevice(index)
}

// SetInterface selects the target interface. Only SWD is implemented.
func (d *DAPDriver) SetInterface(kind Interface) error {
	if kind != InterfaceSWD {
		return fmt.Errorf("%s on CMSIS-DAP: %w", kind, ErrNotImplemented)
	}
	d.mu.Lock()
	d.iface = kind
	d.mu.Unlock()
	return nil
}

// Connect attaches to the target over SWD, powers up the debug domain and
// identifies the core.
func (d *DAPDriver) Connect(device string, speedKHz int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.link == nil {
		return ErrNoProbe
	}
	dev, ok := d.Catalog.Lookup(device)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, device)
	}

	if err := d.connectSWD(speedKHz); err != nil {
		return err
	}

	dpidr, err := d.readDP(dpIDR)
	if err != nil {
		return fmt.Errorf("read DPIDR: %w", err)
	}
	id := idcode.ParseDPIDR(dpidr)
	if !id.Valid {
		return fmt.Errorf("invalid DPIDR 0x%08X", dpidr)
	}

	if err := d.powerUp(); err != nil {
		return err
	}
	if err := d.transfer(
		TransferRequest{Addr: dpSELECT, Data: 0},
		TransferRequest{AP: true, Addr: apCSW, Data: cswWord},
	); err != nil {
		return fmt.Errorf("configure MEM-AP: %w", err)
	}

	d.device = dev
	d.engine = newRTTEngine(dapMemory{d})
	d.connected = true

	d.core = CoreInfo{
		Name:     dev.Core,
		Designer: id.Designer().Name,
		Endian:   EndianUnknown,
		SpeedKHz: speedKHz,
	}
	if cpuid, err := d.readWord(regCPUID); err == nil {
		if name := coreName(cpuid); name != "" {
			d.core.Name = name
		}
	}
	if aircr, err := d.readWord(regAIRCR); err == nil {
		d.core.Endian = EndianLittle
		if aircr&(1<<15) != 0 {
			d.core.Endian = EndianBig
			d.engine.order = binary.BigEndian
		}
	}
	return nil
}

func (d *DAPDriver) command(cmd []byte, decode func([]byte) error) error {
	resp, err := d.link.WriteRead(cmd)
	if err != nil {
		return err
	}
	return decode(resp)
}

// connectSWD selects SWD, sets the clock and switches the target's SWJ-DP
// from JTAG to SWD.
func (d *DAPDriver) connectSWD(speedKHz int) error {
	resp, err := d.link.WriteRead(d.protocol.EncodeConnect(PortSWD))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	port, err := d.protocol.DecodeConnect(resp)
	if err != nil {
		return err
	}
	if port != PortSWD {
		return fmt.Errorf("failed to connect to SWD (got port %d)", port)
	}

	if err := d.command(d.protocol.EncodeSetClock(uint32(speedKHz)*1000), d.protocol.DecodeSetClock); err != nil {
		return fmt.Errorf("set speed: %w", err)
	}
	if err := d.command(d.protocol.EncodeTransferConfigure(0, 64, 0), d.protocol.DecodeTransferConfigure); err != nil {
		return err
	}
	if err := d.command(d.protocol.EncodeSWDConfigure(0), d.protocol.DecodeSWDConfigure); err != nil {
		return err
	}

	ones := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	sequences := []struct {
		bits int
		data []byte
	}{
		{56, ones},
		{16, []byte{0x9E, 0xE7}}, // JTAG-to-SWD
		{56, ones},
		{8, []byte{0x00}},
	}
	for _, s := range sequences {
		if err := d.command(d.protocol.EncodeSWJSequence(s.bits, s.data), d.protocol.DecodeSWJSequence); err != nil {
			return fmt.Errorf("line reset: %w", err)
		}
	}
	return nil
}

// powerUp requests debug and system power and waits for both acks.
func (d *DAPDriver) powerUp() error {
	if err := d.transfer(
		TransferRequest{Addr: dpABORT, Data: abortClearAll},
		TransferRequest{Addr: dpSELECT, Data: 0},
		TransferRequest{Addr: dpCTRLSTAT, Data: ctrlPowerUpReq},
	); err != nil {
		return fmt.Errorf("power-up request: %w", err)
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), 20)
	err := backoff.Retry(func() error {
		v, err := d.readDP(dpCTRLSTAT)
		if err != nil {
			return backoff.Permanent(err)
		}
		if v&ctrlPowerUpAck != ctrlPowerUpAck {
			return fmt.Errorf("CTRL/STAT 0x%08X", v)
		}
		return nil
	}, b)
	if err != nil {
		return fmt.Errorf("debug power-up not acknowledged: %w", err)
	}
	return nil
}

// coreName decodes the CPUID part number of Cortex-M cores.
func coreName(cpuid uint32) string {
	if cpuid>>24 != 0x41 { // implementer ARM
		return ""
	}
	switch (cpuid >> 4) & 0xFFF {
	case 0xC20:
		return "Cortex-M0"
	case 0xC60:
		return "Cortex-M0+"
	case 0xC21:
		return "Cortex-M1"
	case 0xC23:
		return "Cortex-M3"
	case 0xC24:
		return "Cortex-M4"
	case 0xC27:
		return "Cortex-M7"
	case 0xD20:
		return "Cortex-M23"
	case 0xD21:
		return "Cortex-M33"
	case 0xD22:
		return "Cortex-M55"
	}
	return ""
}

// CoreInfo returns the identification gathered by Connect.
func (d *DAPDriver) CoreInfo() (CoreInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return CoreInfo{}, ErrNotConnected
	}
	return d.core, nil
}

// TargetConnected probes the DP. A target that stopped answering is
// reported as disconnected.
func (d *DAPDriver) TargetConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected || d.link == nil {
		return false
	}
	if _, err := d.readDP(dpCTRLSTAT); err != nil {
		d.connected = false
		return false
	}
	return true
}

func (d *DAPDriver) RTTStart() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return ErrNotConnected
	}
	d.engine.reset()
	d.rttRunning = true
	return nil
}

func (d *DAPDriver) RTTStop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rttRunning = false
	return nil
}

func (d *DAPDriver) rttReady() error {
	if !d.connected {
		return ErrNotConnected
	}
	if !d.rttRunning {
		return fmt.Errorf("rtt not started: %w", ErrControlBlockNotFound)
	}
	return nil
}

// RTTBufferCounts locates the control block in the device's RAM.
func (d *DAPDriver) RTTBufferCounts() (int, int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.rttReady(); err != nil {
		return 0, 0, err
	}
	size := d.device.RAMSize
	if size == 0 {
		size = defaultRAMScan
	}
	cb, err := d.engine.locate(d.device.RAMBase, size, d.ControlBlockAddress)
	if err != nil {
		return 0, 0, err
	}
	return cb.MaxUp, cb.MaxDown, nil
}

// ControlBlock reports the control block found by RTTBufferCounts.
func (d *DAPDriver) ControlBlock() (ControlBlock, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine.located()
}

func (d *DAPDriver) RTTRead(index, max int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.rttReady(); err != nil {
		return nil, err
	}
	return d.engine.readUp(index, max)
}

func (d *DAPDriver) RTTWrite(index int, p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.rttReady(); err != nil {
		return 0, err
	}
	return d.engine.writeDown(index, p)
}

// transfer runs DAP_Transfer writes. A FAULT clears the sticky flags so the
// next access can proceed.
func (d *DAPDriver) transfer(reqs ...TransferRequest) error {
	_, err := d.transferRead(reqs...)
	return err
}

func (d *DAPDriver) transferRead(reqs ...TransferRequest) ([]uint32, error) {
	resp, err := d.link.WriteRead(d.protocol.EncodeTransfer(reqs))
	if err != nil {
		return nil, err
	}
	values, err := d.protocol.DecodeTransfer(resp, reqs)
	if err != nil {
		var te *TransferError
		if errors.As(err, &te) && te.Fault() {
			d.clearSticky()
		}
		return nil, err
	}
	return values, nil
}

func (d *DAPDriver) clearSticky() {
	reqs := []TransferRequest{{Addr: dpABORT, Data: abortClearAll}}
	if resp, err := d.link.WriteRead(d.protocol.EncodeTransfer(reqs)); err == nil {
		d.protocol.DecodeTransfer(resp, reqs)
	}
}

func (d *DAPDriver) readDP(addr uint8) (uint32, error) {
	values, err := d.transferRead(TransferRequest{Read: true, Addr: addr})
	if err != nil {
		return 0, err
	}
	return values[0], nil
}

func (d *DAPDriver) readWord(addr uint32) (uint32, error) {
	words, err := d.readWords(addr, 1)
	if err != nil {
		return 0, err
	}
	return words[0], nil
}

// readWords reads n words starting at the word-aligned addr, splitting at
// TAR page boundaries and packet limits.
func (d *DAPDriver) readWords(addr uint32, n int) ([]uint32, error) {
	out := make([]uint32, 0, n)
	for n > 0 {
		chunk := d.chunkWords(addr, n, true)
		if err := d.transfer(TransferRequest{AP: true, Addr: apTAR, Data: addr}); err != nil {
			return nil, err
		}
		resp, err := d.link.WriteRead(d.protocol.EncodeTransferBlockRead(true, apDRW, chunk))
		if err != nil {
			return nil, err
		}
		words, err := d.protocol.DecodeTransferBlock(resp, chunk, true)
		if err != nil {
			var te *TransferError
			if errors.As(err, &te) && te.Fault() {
				d.clearSticky()
			}
			return nil, fmt.Errorf("read 0x%08X: %w", addr, err)
		}
		out = append(out, words...)
		addr += uint32(chunk) * 4
		n -= chunk
	}
	return out, nil
}

func (d *DAPDriver) writeWords(addr uint32, words []uint32) error {
	for len(words) > 0 {
		chunk := d.chunkWords(addr, len(words), false)
		if err := d.transfer(TransferRequest{AP: true, Addr: apTAR, Data: addr}); err != nil {
			return err
		}
		resp, err := d.link.WriteRead(d.protocol.EncodeTransferBlockWrite(true, apDRW, words[:chunk]))
		if err != nil {
			return err
		}
		if _, err := d.protocol.DecodeTransferBlock(resp, chunk, false); err != nil {
			var te *TransferError
			if errors.As(err, &te) && te.Fault() {
				d.clearSticky()
			}
			return fmt.Errorf("write 0x%08X: %w", addr, err)
		}
		addr += uint32(chunk) * 4
		words = words[chunk:]
	}
	return nil
}

func (d *DAPDriver) chunkWords(addr uint32, n int, read bool) int {
	chunk := n
	if max := d.protocol.MaxBlockWords(read); chunk > max {
		chunk = max
	}
	if toPage := int(tarPageSize-addr%tarPageSize) / 4; chunk > toPage {
		chunk = toPage
	}
	return chunk
}

// dapMemory adapts the MEM-AP word accessors to byte-addressed Memory. The
// driver lock is held by the caller.
type dapMemory struct {
	d *DAPDriver
}

func (m dapMemory) ReadMemory(addr uint32, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	start := addr &^ 3
	end := (addr + uint32(len(p)) + 3) &^ 3
	words, err := m.d.readWords(start, int(end-start)/4)
	if err != nil {
		return err
	}
	raw := make([]byte, end-start)
	for i, w := range words {
		binary.LittleEndian.PutUint32(raw[4*i:], w)
	}
	copy(p, raw[addr-start:])
	return nil
}

func (m dapMemory) WriteMemory(addr uint32, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	start := addr &^ 3
	end := (addr + uint32(len(p)) + 3) &^ 3
	raw := make([]byte, end-start)

	// Partial words at either edge keep their other bytes.
	if addr != start {
		w, err := m.d.readWord(start)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(raw, w)
	}
	tail := addr + uint32(len(p))
	if tail != end && (addr == start || end-4 != start) {
		w, err := m.d.readWord(end - 4)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(raw[len(raw)-4:], w)
	}
	copy(raw[addr-start:], p)

	words := make([]uint32, len(raw)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(raw[4*i:])
	}
	return m.d.writeWords(start, words)
}
