package probe

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Memory is byte-addressed access to target memory. Implementations handle
// alignment themselves.
type Memory interface {
	ReadMemory(addr uint32, p []byte) error
	WriteMemory(addr uint32, p []byte) error
}

// RTT control block layout (SEGGER_RTT_CB), 32-bit target.
const (
	rttID             = "SEGGER RTT"
	rttIDSize         = 16
	rttHeaderSize     = rttIDSize + 8 // acID, MaxNumUpBuffers, MaxNumDownBuffers
	rttBufferDescSize = 24            // sName, pBuffer, SizeOfBuffer, WrOff, RdOff, Flags
	rttMaxBuffers     = 32

	rttOffsetWrOff = 12
	rttOffsetRdOff = 16

	// rttScanChunk is how much RAM is read per scan step.
	rttScanChunk = 4096
)

// ControlBlock is a located RTT control block.
type ControlBlock struct {
	Address uint32
	MaxUp   int
	MaxDown int
}

// BufferDesc mirrors SEGGER_RTT_BUFFER_UP / SEGGER_RTT_BUFFER_DOWN.
type BufferDesc struct {
	NameAddr uint32
	Buffer   uint32
	Size     uint32
	WrOff    uint32
	RdOff    uint32
	Flags    uint32
}

// rttEngine implements the host side of RTT on top of raw memory access. It
// is shared by every driver that does not have a native RTT implementation.
type rttEngine struct {
	mem   Memory
	order binary.ByteOrder
	cb    *ControlBlock
}

func newRTTEngine(mem Memory) *rttEngine {
	return &rttEngine{mem: mem, order: binary.LittleEndian}
}

// located returns the cached control block, if any.
func (e *rttEngine) located() (ControlBlock, bool) {
	if e == nil || e.cb == nil {
		return ControlBlock{}, false
	}
	return *e.cb, true
}

// reset forgets the located control block, e.g. after the target restarted.
func (e *rttEngine) reset() {
	e.cb = nil
}

// locate returns the cached control block or scans [base, base+size) for the
// "SEGGER RTT" identifier. A hint address is checked first when non-zero.
func (e *rttEngine) locate(base, size, hint uint32) (ControlBlock, error) {
	if e.cb != nil {
		return *e.cb, nil
	}

	if hint != 0 {
		cb, err := e.readHeader(hint)
		if err == nil {
			e.cb = &cb
			return cb, nil
		}
	}

	// Overlap chunks so an identifier straddling a boundary is still seen.
	overlap := uint32(rttIDSize - 1)
	buf := make([]byte, rttScanChunk)
	for off := uint32(0); off < size; {
		n := uint32(len(buf))
		if off+n > size {
			n = size - off
		}
		chunk := buf[:n]
		if err := e.mem.ReadMemory(base+off, chunk); err != nil {
			return ControlBlock{}, fmt.Errorf("rtt scan at 0x%08X: %w", base+off, err)
		}

		for start := 0; ; {
			i := bytes.Index(chunk[start:], []byte(rttID))
			if i < 0 {
				break
			}
			addr := base + off + uint32(start+i)
			if cb, err := e.readHeader(addr); err == nil {
				e.cb = &cb
				return cb, nil
			}
			start += i + 1
		}

		if off+n >= size {
			break
		}
		off += n - overlap
	}

	return ControlBlock{}, ErrControlBlockNotFound
}

// readHeader validates and decodes the control block header at addr.
func (e *rttEngine) readHeader(addr uint32) (ControlBlock, error) {
	hdr := make([]byte, rttHeaderSize)
	if err := e.mem.ReadMemory(addr, hdr); err != nil {
		return ControlBlock{}, err
	}

	id := hdr[:rttIDSize]
	if !bytes.HasPrefix(id, []byte(rttID)) {
		return ControlBlock{}, ErrControlBlockNotFound
	}
	for _, b := range id[len(rttID):] {
		if b != 0 {
			return ControlBlock{}, ErrControlBlockNotFound
		}
	}

	up := int(e.order.Uint32(hdr[16:20]))
	down := int(e.order.Uint32(hdr[20:24]))
	if up < 1 || up > rttMaxBuffers || down < 0 || down > rttMaxBuffers {
		return ControlBlock{}, fmt.Errorf("rtt: implausible buffer counts up=%d down=%d at 0x%08X: %w",
			up, down, addr, ErrControlBlockNotFound)
	}

	return ControlBlock{Address: addr, MaxUp: up, MaxDown: down}, nil
}

func (e *rttEngine) upDescAddr(index int) uint32 {
	return e.cb.Address + rttHeaderSize + uint32(index)*rttBufferDescSize
}

func (e *rttEngine) downDescAddr(index int) uint32 {
	return e.cb.Address + rttHeaderSize + uint32(e.cb.MaxUp+index)*rttBufferDescSize
}

func (e *rttEngine) readDesc(addr uint32) (BufferDesc, error) {
	raw := make([]byte, rttBufferDescSize)
	if err := e.mem.ReadMemory(addr, raw); err != nil {
		return BufferDesc{}, err
	}
	return BufferDesc{
		NameAddr: e.order.Uint32(raw[0:]),
		Buffer:   e.order.Uint32(raw[4:]),
		Size:     e.order.Uint32(raw[8:]),
		WrOff:    e.order.Uint32(raw[12:]),
		RdOff:    e.order.Uint32(raw[16:]),
		Flags:    e.order.Uint32(raw[20:]),
	}, nil
}

func (e *rttEngine) writeWord(addr, v uint32) error {
	var raw [4]byte
	e.order.PutUint32(raw[:], v)
	return e.mem.WriteMemory(addr, raw[:])
}

// readUp drains at most max bytes from up-buffer index. A wrapped ring is
// returned in two calls: first up to the end of the buffer, then the rest.
func (e *rttEngine) readUp(index, max int) ([]byte, error) {
	if e.cb == nil {
		return nil, ErrControlBlockNotFound
	}
	if index < 0 || index >= e.cb.MaxUp {
		return nil, fmt.Errorf("rtt: up buffer %d out of range [0, %d)", index, e.cb.MaxUp)
	}

	descAddr := e.upDescAddr(index)
	desc, err := e.readDesc(descAddr)
	if err != nil {
		return nil, err
	}
	if desc.Size == 0 || desc.WrOff == desc.RdOff {
		return nil, nil
	}
	if desc.WrOff >= desc.Size || desc.RdOff >= desc.Size {
		return nil, fmt.Errorf("rtt: up buffer %d corrupted (size=%d wr=%d rd=%d)",
			index, desc.Size, desc.WrOff, desc.RdOff)
	}

	var n uint32
	if desc.WrOff > desc.RdOff {
		n = desc.WrOff - desc.RdOff
	} else {
		n = desc.Size - desc.RdOff
	}
	if max > 0 && n > uint32(max) {
		n = uint32(max)
	}

	data := make([]byte, n)
	if err := e.mem.ReadMemory(desc.Buffer+desc.RdOff, data); err != nil {
		return nil, err
	}

	rd := (desc.RdOff + n) % desc.Size
	if err := e.writeWord(descAddr+rttOffsetRdOff, rd); err != nil {
		return nil, err
	}
	return data, nil
}

// writeDown copies as much of p as fits into down-buffer index and returns
// the number of bytes accepted.
func (e *rttEngine) writeDown(index int, p []byte) (int, error) {
	if e.cb == nil {
		return 0, ErrControlBlockNotFound
	}
	if index < 0 || index >= e.cb.MaxDown {
		return 0, fmt.Errorf("rtt: down buffer %d out of range [0, %d)", index, e.cb.MaxDown)
	}

	descAddr := e.downDescAddr(index)
	desc, err := e.readDesc(descAddr)
	if err != nil {
		return 0, err
	}
	if desc.Size == 0 {
		return 0, nil
	}
	if desc.WrOff >= desc.Size || desc.RdOff >= desc.Size {
		return 0, fmt.Errorf("rtt: down buffer %d corrupted (size=%d wr=%d rd=%d)",
			index, desc.Size, desc.WrOff, desc.RdOff)
	}

	var free uint32
	if desc.RdOff > desc.WrOff {
		free = desc.RdOff - desc.WrOff - 1
	} else {
		free = desc.Size - desc.WrOff + desc.RdOff - 1
	}

	total := uint32(len(p))
	if total > free {
		total = free
	}

	wr := desc.WrOff
	written := uint32(0)
	for written < total {
		n := total - written
		if wr+n > desc.Size {
			n = desc.Size - wr
		}
		if err := e.mem.WriteMemory(desc.Buffer+wr, p[written:written+n]); err != nil {
			return int(written), err
		}
		written += n
		wr = (wr + n) % desc.Size
	}

	if written > 0 {
		if err := e.writeWord(descAddr+rttOffsetWrOff, wr); err != nil {
			return 0, err
		}
	}
	return int(written), nil
}
