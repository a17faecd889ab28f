package probe

import (
	"fmt"
	"sync"
)

// SimTarget is an in-memory target RAM region. It doubles as the firmware
// side of RTT so tests and the simulator driver can publish a control block
// and push console output the way SEGGER_RTT.c would.
type SimTarget struct {
	base uint32
	ram  []byte

	published bool
	up        []uint32 // descriptor addresses
	down      []uint32
}

// NewSimTarget allocates size bytes of RAM starting at base.
func NewSimTarget(base, size uint32) *SimTarget {
	return &SimTarget{base: base, ram: make([]byte, size)}
}

func (t *SimTarget) span(addr uint32, n int) ([]byte, error) {
	if addr < t.base || uint64(addr-t.base)+uint64(n) > uint64(len(t.ram)) {
		return nil, fmt.Errorf("probe: sim memory fault at 0x%08X (+%d)", addr, n)
	}
	off := addr - t.base
	return t.ram[off : off+uint32(n)], nil
}

// ReadMemory implements Memory.
func (t *SimTarget) ReadMemory(addr uint32, p []byte) error {
	src, err := t.span(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, src)
	return nil
}

// WriteMemory implements Memory.
func (t *SimTarget) WriteMemory(addr uint32, p []byte) error {
	dst, err := t.span(addr, len(p))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

func (t *SimTarget) word(addr uint32) uint32 {
	b, _ := t.span(addr, 4)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (t *SimTarget) setWord(addr, v uint32) {
	b, _ := t.span(addr, 4)
	b[0], b[1], b[2], b[3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}

// InstallRTT writes a control block at addr followed by its buffers, as the
// firmware does during SEGGER_RTT_Init.
func (t *SimTarget) InstallRTT(addr uint32, upSizes, downSizes []uint32) error {
	if len(upSizes) == 0 {
		return fmt.Errorf("probe: at least one up buffer required")
	}
	descs := len(upSizes) + len(downSizes)
	bufAddr := addr + rttHeaderSize + uint32(descs)*rttBufferDescSize
	total := bufAddr - addr
	for _, s := range upSizes {
		total += s
	}
	for _, s := range downSizes {
		total += s
	}
	if _, err := t.span(addr, int(total)); err != nil {
		return fmt.Errorf("probe: control block does not fit: %w", err)
	}

	t.up = t.up[:0]
	t.down = t.down[:0]
	desc := addr + rttHeaderSize
	for _, s := range upSizes {
		t.writeDesc(desc, bufAddr, s)
		t.up = append(t.up, desc)
		desc += rttBufferDescSize
		bufAddr += s
	}
	for _, s := range downSizes {
		t.writeDesc(desc, bufAddr, s)
		t.down = append(t.down, desc)
		desc += rttBufferDescSize
		bufAddr += s
	}

	t.setWord(addr+16, uint32(len(upSizes)))
	t.setWord(addr+20, uint32(len(downSizes)))
	// The identifier goes in last so a host never sees a half-built block.
	id, _ := t.span(addr, rttIDSize)
	copy(id, make([]byte, rttIDSize))
	copy(id, rttID)
	t.published = true
	return nil
}

func (t *SimTarget) writeDesc(desc, buf, size uint32) {
	t.setWord(desc, 0)
	t.setWord(desc+4, buf)
	t.setWord(desc+8, size)
	t.setWord(desc+rttOffsetWrOff, 0)
	t.setWord(desc+rttOffsetRdOff, 0)
	t.setWord(desc+20, 0)
}

// Published reports whether InstallRTT has run.
func (t *SimTarget) Published() bool {
	return t.published
}

// TargetWrite appends p to up buffer channel like SEGGER_RTT_Write in
// no-block-trim mode and returns how many bytes fit.
func (t *SimTarget) TargetWrite(channel int, p []byte) int {
	if channel < 0 || channel >= len(t.up) {
		return 0
	}
	desc := t.up[channel]
	buf, size := t.word(desc+4), t.word(desc+8)
	wr, rd := t.word(desc+rttOffsetWrOff), t.word(desc+rttOffsetRdOff)

	n := 0
	for n < len(p) {
		next := (wr + 1) % size
		if next == rd {
			break
		}
		t.ram[buf-t.base+wr] = p[n]
		wr = next
		n++
	}
	t.setWord(desc+rttOffsetWrOff, wr)
	return n
}

// TargetRead consumes everything the host wrote to down buffer channel.
func (t *SimTarget) TargetRead(channel int) []byte {
	if channel < 0 || channel >= len(t.down) {
		return nil
	}
	desc := t.down[channel]
	buf, size := t.word(desc+4), t.word(desc+8)
	wr, rd := t.word(desc+rttOffsetWrOff), t.word(desc+rttOffsetRdOff)

	var out []byte
	for rd != wr {
		out = append(out, t.ram[buf-t.base+rd])
		rd = (rd + 1) % size
	}
	t.setWord(desc+rttOffsetRdOff, rd)
	return out
}

// upEmpty reports whether every up buffer has been drained by the host.
func (t *SimTarget) upEmpty() bool {
	for _, desc := range t.up {
		if t.word(desc+rttOffsetWrOff) != t.word(desc+rttOffsetRdOff) {
			return false
		}
	}
	return true
}

// SimDriver is an in-memory probe useful for unit tests and for running the
// viewer without hardware. Output queued with Emit is pushed into the
// simulated RTT buffers as the host drains them.
type SimDriver struct {
	InfoData ProbeInfo
	CoreData CoreInfo
	Catalog  *Catalog

	// ControlBlockDelay is the number of RTTBufferCounts polls answered with
	// ErrControlBlockNotFound before the firmware publishes its block.
	ControlBlockDelay int
	// ControlBlockOffset is the control block location relative to RAM base.
	ControlBlockOffset uint32
	UpBufferSizes      []uint32
	DownBufferSizes    []uint32

	// ControlBlockAddress is checked before scanning RAM when non-zero,
	// as with DAPDriver.
	ControlBlockAddress uint32

	// DisconnectWhenDrained makes the target drop off once all queued output
	// was read, which lets a session end on its own.
	DisconnectWhenDrained bool

	// OpenErr is returned from Open when set.
	OpenErr error

	// OnReceive observes bytes the firmware consumed from a down buffer.
	OnReceive func(channel int, p []byte)

	mu         sync.Mutex
	opened     bool
	connected  bool
	lost       bool
	rttRunning bool
	device     DeviceInfo
	iface      Interface
	speedKHz   int
	polls      int
	target     *SimTarget
	engine     *rttEngine
	pending    map[int][]byte
	received   map[int][]byte
}

// NewSimDriver constructs a simulator that serves devices from catalog.
func NewSimDriver(catalog *Catalog) *SimDriver {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &SimDriver{
		InfoData: ProbeInfo{
			Name:          "RTT Simulator",
			Vendor:        "OpenTraceLab",
			Model:         "Sim-1.0",
			SerialNumber:  "000000000",
			Firmware:      "v1.0.0",
			DriverVersion: DriverVersion,
		},
		CoreData: CoreInfo{
			Designer:   "ARM Ltd",
			Endian:     EndianLittle,
			CPUSpeedHz: 64_000_000,
		},
		Catalog:            catalog,
		ControlBlockOffset: 0x800,
		UpBufferSizes:      []uint32{1024, 256},
		DownBufferSizes:    []uint32{16},
		pending:            make(map[int][]byte),
		received:           make(map[int][]byte),
	}
}

func (s *SimDriver) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenErr != nil {
		return s.OpenErr
	}
	s.opened = true
	return nil
}

func (s *SimDriver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	s.connected = false
	s.rttRunning = false
	if s.engine != nil {
		s.engine.reset()
	}
	return nil
}

func (s *SimDriver) Info() (ProbeInfo, error) {
	return s.InfoData, nil
}

func (s *SimDriver) NumSupportedDevices() int {
	return s.Catalog.NumSupportedDevices()
}

func (s *SimDriver) SupportedDevice(index int) (DeviceInfo, error) {
	return s.Catalog.SupportedDevice(index)
}

func (s *SimDriver) SetInterface(kind Interface) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iface = kind
	return nil
}

func (s *SimDriver) Connect(device string, speedKHz int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.opened {
		return fmt.Errorf("probe: connect before open: %w", ErrNotConnected)
	}
	info, ok := s.Catalog.Lookup(device)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, device)
	}
	if speedKHz <= 0 {
		return fmt.Errorf("probe: invalid speed %dkHz", speedKHz)
	}

	size := info.RAMSize
	if size == 0 {
		size = 64 * 1024
	}
	s.device = info
	s.device.RAMSize = size
	s.speedKHz = speedKHz
	s.target = NewSimTarget(info.RAMBase, size)
	s.engine = newRTTEngine(s.target)
	s.polls = 0
	s.lost = false
	s.connected = true
	return nil
}

func (s *SimDriver) CoreInfo() (CoreInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return CoreInfo{}, ErrNotConnected
	}
	core := s.CoreData
	if core.Name == "" {
		core.Name = s.device.Core
	}
	core.SpeedKHz = s.speedKHz
	return core, nil
}

func (s *SimDriver) TargetConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || s.lost {
		return false
	}
	if s.DisconnectWhenDrained && s.rttRunning && s.target.Published() && s.drained() {
		return false
	}
	return true
}

// Disconnect simulates the target dropping off the debug interface.
func (s *SimDriver) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lost = true
}

func (s *SimDriver) RTTStart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	s.rttRunning = true
	return nil
}

func (s *SimDriver) RTTStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rttRunning = false
	if s.engine != nil {
		s.engine.reset()
	}
	return nil
}

func (s *SimDriver) RTTBufferCounts() (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected || !s.rttRunning {
		return 0, 0, ErrNotConnected
	}

	s.polls++
	if s.polls <= s.ControlBlockDelay {
		return 0, 0, ErrControlBlockNotFound
	}
	if !s.target.Published() {
		if err := s.target.InstallRTT(s.device.RAMBase+s.ControlBlockOffset, s.UpBufferSizes, s.DownBufferSizes); err != nil {
			return 0, 0, err
		}
		s.pump()
	}

	cb, err := s.engine.locate(s.device.RAMBase, s.device.RAMSize, s.ControlBlockAddress)
	if err != nil {
		return 0, 0, err
	}
	return cb.MaxUp, cb.MaxDown, nil
}

func (s *SimDriver) RTTRead(index, max int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}
	s.pump()
	data, err := s.engine.readUp(index, max)
	s.pump()
	return data, err
}

func (s *SimDriver) RTTWrite(index int, p []byte) (int, error) {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return 0, ErrNotConnected
	}
	n, err := s.engine.writeDown(index, p)
	var got []byte
	if err == nil {
		got = s.target.TargetRead(index)
		s.received[index] = append(s.received[index], got...)
	}
	hook := s.OnReceive
	s.mu.Unlock()

	if hook != nil && len(got) > 0 {
		hook(index, got)
	}
	return n, err
}

// ControlBlock reports the control block found by RTTBufferCounts.
func (s *SimDriver) ControlBlock() (ControlBlock, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine.located()
}

// Emit queues firmware output for up buffer channel.
func (s *SimDriver) Emit(channel int, p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[channel] = append(s.pending[channel], p...)
	s.pump()
}

// Received returns everything the firmware consumed from down buffer channel.
func (s *SimDriver) Received(channel int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.received[channel]...)
}

// Polls reports how many times the control block was queried.
func (s *SimDriver) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func (s *SimDriver) pump() {
	if s.target == nil || !s.target.Published() {
		return
	}
	for ch, data := range s.pending {
		if ch < 0 || ch >= len(s.target.up) {
			delete(s.pending, ch)
			continue
		}
		n := s.target.TargetWrite(ch, data)
		if n == len(data) {
			delete(s.pending, ch)
			continue
		}
		s.pending[ch] = data[n:]
	}
}

func (s *SimDriver) drained() bool {
	return len(s.pending) == 0 && s.target.upEmpty()
}
