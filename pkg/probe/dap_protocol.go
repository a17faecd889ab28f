package probe

import (
	"encoding/binary"
	"fmt"
)

// CMSIS-DAP Command IDs
const (
	CmdInfo              = 0x00
	CmdConnect           = 0x02
	CmdDisconnect        = 0x03
	CmdTransferConfigure = 0x04
	CmdTransfer          = 0x05
	CmdTransferBlock     = 0x06
	CmdResetTarget       = 0x0A
	CmdSWJClock          = 0x11
	CmdSWJSequence       = 0x12
	CmdSWDConfigure      = 0x13
)

// DAP_Info Info IDs
const (
	InfoVendorName   = 0x01
	InfoProductName  = 0x02
	InfoSerialNum    = 0x03
	InfoProtocolVer  = 0x04
	InfoFirmwareVer  = 0x09
	InfoCapabilities = 0xF0
	InfoPacketCount  = 0xFE
	InfoPacketSize   = 0xFF
)

// Connection ports
const (
	PortDefault = 0
	PortSWD     = 1
	PortJTAG    = 2
)

// Status codes
const (
	StatusOK    = 0x00
	StatusError = 0xFF
)

// Transfer request bits
const (
	reqAPnDP = 0x01
	reqRnW   = 0x02
	reqAddr  = 0x0C
)

// SWD acknowledge values as reported in DAP_Transfer responses
const (
	AckOK    = 0x01
	AckWait  = 0x02
	AckFault = 0x04
	ackMask  = 0x07
)

// TransferError reports a DAP transfer that did not complete with ACK OK.
type TransferError struct {
	Ack       byte
	Completed int
}

func (e *TransferError) Error() string {
	switch e.Ack & ackMask {
	case AckWait:
		return fmt.Sprintf("dap transfer: WAIT after %d transfers", e.Completed)
	case AckFault:
		return fmt.Sprintf("dap transfer: FAULT after %d transfers", e.Completed)
	case 0x07:
		return fmt.Sprintf("dap transfer: no ACK after %d transfers (target not responding)", e.Completed)
	default:
		return fmt.Sprintf("dap transfer: ack 0x%02X after %d transfers", e.Ack, e.Completed)
	}
}

// Fault reports whether the target answered FAULT, which needs a sticky
// error clear through DP ABORT.
func (e *TransferError) Fault() bool {
	return e.Ack&ackMask == AckFault
}

// TransferRequest is one DP or AP register access within DAP_Transfer.
type TransferRequest struct {
	AP   bool
	Read bool
	Addr uint8 // register offset, 0x0/0x4/0x8/0xC
	Data uint32
}

func (r TransferRequest) encode() byte {
	var b byte
	if r.AP {
		b |= reqAPnDP
	}
	if r.Read {
		b |= reqRnW
	}
	b |= r.Addr & reqAddr
	return b
}

// DAPProtocol handles encoding/decoding of CMSIS-DAP commands
type DAPProtocol struct {
	PacketSize int
}

// NewDAPProtocol creates a new protocol handler
func NewDAPProtocol(packetSize int) *DAPProtocol {
	return &DAPProtocol{
		PacketSize: packetSize,
	}
}

func checkHeader(resp []byte, cmd byte, min int) error {
	if len(resp) < min {
		return fmt.Errorf("response too short")
	}
	if resp[0] != cmd {
		return fmt.Errorf("invalid command ID: 0x%02X", resp[0])
	}
	return nil
}

func checkStatus(resp []byte, cmd byte, what string) error {
	if err := checkHeader(resp, cmd, 2); err != nil {
		return err
	}
	if resp[1] != StatusOK {
		return fmt.Errorf("%s failed", what)
	}
	return nil
}

// EncodeInfo builds a DAP_Info command
func (p *DAPProtocol) EncodeInfo(infoID byte) []byte {
	return []byte{CmdInfo, infoID}
}

// DecodeInfo parses a DAP_Info response carrying a string
func (p *DAPProtocol) DecodeInfo(resp []byte) (string, error) {
	if err := checkHeader(resp, CmdInfo, 2); err != nil {
		return "", err
	}

	length := int(resp[1])
	if len(resp) < 2+length {
		return "", fmt.Errorf("incomplete info string")
	}

	// Strings are NUL-terminated on most firmware.
	s := resp[2 : 2+length]
	for len(s) > 0 && s[len(s)-1] == 0 {
		s = s[:len(s)-1]
	}
	return string(s), nil
}

// DecodeInfoUint16 parses a DAP_Info response carrying a short, such as
// InfoPacketSize.
func (p *DAPProtocol) DecodeInfoUint16(resp []byte) (uint16, error) {
	if err := checkHeader(resp, CmdInfo, 2); err != nil {
		return 0, err
	}
	switch resp[1] {
	case 1:
		if len(resp) < 3 {
			return 0, fmt.Errorf("incomplete info value")
		}
		return uint16(resp[2]), nil
	case 2:
		if len(resp) < 4 {
			return 0, fmt.Errorf("incomplete info value")
		}
		return binary.LittleEndian.Uint16(resp[2:4]), nil
	default:
		return 0, fmt.Errorf("unexpected info length %d", resp[1])
	}
}

// EncodeConnect builds a DAP_Connect command
func (p *DAPProtocol) EncodeConnect(port byte) []byte {
	return []byte{CmdConnect, port}
}

// DecodeConnect parses a DAP_Connect response
func (p *DAPProtocol) DecodeConnect(resp []byte) (byte, error) {
	if err := checkHeader(resp, CmdConnect, 2); err != nil {
		return 0, err
	}
	if resp[1] == 0 {
		return 0, fmt.Errorf("connection failed")
	}
	return resp[1], nil
}

// EncodeDisconnect builds a DAP_Disconnect command
func (p *DAPProtocol) EncodeDisconnect() []byte {
	return []byte{CmdDisconnect}
}

// DecodeDisconnect parses a DAP_Disconnect response
func (p *DAPProtocol) DecodeDisconnect(resp []byte) error {
	return checkStatus(resp, CmdDisconnect, "disconnect")
}

// EncodeSetClock builds a DAP_SWJ_Clock command
func (p *DAPProtocol) EncodeSetClock(hz uint32) []byte {
	cmd := make([]byte, 5)
	cmd[0] = CmdSWJClock
	binary.LittleEndian.PutUint32(cmd[1:], hz)
	return cmd
}

// DecodeSetClock parses response
func (p *DAPProtocol) DecodeSetClock(resp []byte) error {
	return checkStatus(resp, CmdSWJClock, "set clock")
}

// EncodeResetTarget builds a DAP_ResetTarget command
func (p *DAPProtocol) EncodeResetTarget() []byte {
	return []byte{CmdResetTarget}
}

// DecodeResetTarget parses response
func (p *DAPProtocol) DecodeResetTarget(resp []byte) error {
	return checkStatus(resp, CmdResetTarget, "reset target")
}

// EncodeSWJSequence builds a DAP_SWJ_Sequence command clocking bits out on
// SWDIO/TMS, LSB first. A count of 256 is encoded as 0.
func (p *DAPProtocol) EncodeSWJSequence(bits int, data []byte) []byte {
	cmd := make([]byte, 2+(bits+7)/8)
	cmd[0] = CmdSWJSequence
	cmd[1] = byte(bits)
	copy(cmd[2:], data)
	return cmd
}

// DecodeSWJSequence parses response
func (p *DAPProtocol) DecodeSWJSequence(resp []byte) error {
	return checkStatus(resp, CmdSWJSequence, "SWJ sequence")
}

// EncodeTransferConfigure builds a DAP_TransferConfigure command
func (p *DAPProtocol) EncodeTransferConfigure(idleCycles byte, waitRetry, matchRetry uint16) []byte {
	cmd := make([]byte, 6)
	cmd[0] = CmdTransferConfigure
	cmd[1] = idleCycles
	binary.LittleEndian.PutUint16(cmd[2:], waitRetry)
	binary.LittleEndian.PutUint16(cmd[4:], matchRetry)
	return cmd
}

// DecodeTransferConfigure parses response
func (p *DAPProtocol) DecodeTransferConfigure(resp []byte) error {
	return checkStatus(resp, CmdTransferConfigure, "transfer configure")
}

// EncodeSWDConfigure builds a DAP_SWD_Configure command
func (p *DAPProtocol) EncodeSWDConfigure(config byte) []byte {
	return []byte{CmdSWDConfigure, config}
}

// DecodeSWDConfigure parses response
func (p *DAPProtocol) DecodeSWDConfigure(resp []byte) error {
	return checkStatus(resp, CmdSWDConfigure, "SWD configure")
}

// EncodeTransfer builds a DAP_Transfer command for DAP index 0
func (p *DAPProtocol) EncodeTransfer(reqs []TransferRequest) []byte {
	size := 3
	for _, r := range reqs {
		size++
		if !r.Read {
			size += 4
		}
	}

	cmd := make([]byte, size)
	cmd[0] = CmdTransfer
	cmd[1] = 0
	cmd[2] = byte(len(reqs))

	offset := 3
	for _, r := range reqs {
		cmd[offset] = r.encode()
		offset++
		if !r.Read {
			binary.LittleEndian.PutUint32(cmd[offset:], r.Data)
			offset += 4
		}
	}
	return cmd
}

// DecodeTransfer parses a DAP_Transfer response and returns the values of
// the read requests in order.
func (p *DAPProtocol) DecodeTransfer(resp []byte, reqs []TransferRequest) ([]uint32, error) {
	if err := checkHeader(resp, CmdTransfer, 3); err != nil {
		return nil, err
	}

	count := int(resp[1])
	ack := resp[2]
	if count != len(reqs) || ack&ackMask != AckOK {
		return nil, &TransferError{Ack: ack, Completed: count}
	}

	var values []uint32
	offset := 3
	for _, r := range reqs {
		if !r.Read {
			continue
		}
		if offset+4 > len(resp) {
			return nil, fmt.Errorf("incomplete transfer data")
		}
		values = append(values, binary.LittleEndian.Uint32(resp[offset:]))
		offset += 4
	}
	return values, nil
}

// MaxBlockWords returns how many 32-bit words fit in one DAP_TransferBlock
// packet in the given direction.
func (p *DAPProtocol) MaxBlockWords(read bool) int {
	if read {
		return (p.PacketSize - 4) / 4
	}
	return (p.PacketSize - 5) / 4
}

// EncodeTransferBlockRead builds a DAP_TransferBlock reading count words
// from one register.
func (p *DAPProtocol) EncodeTransferBlockRead(ap bool, addr uint8, count int) []byte {
	cmd := make([]byte, 5)
	cmd[0] = CmdTransferBlock
	cmd[1] = 0
	binary.LittleEndian.PutUint16(cmd[2:], uint16(count))
	cmd[4] = TransferRequest{AP: ap, Read: true, Addr: addr}.encode()
	return cmd
}

// EncodeTransferBlockWrite builds a DAP_TransferBlock writing words to one
// register.
func (p *DAPProtocol) EncodeTransferBlockWrite(ap bool, addr uint8, words []uint32) []byte {
	cmd := make([]byte, 5+4*len(words))
	cmd[0] = CmdTransferBlock
	cmd[1] = 0
	binary.LittleEndian.PutUint16(cmd[2:], uint16(len(words)))
	cmd[4] = TransferRequest{AP: ap, Addr: addr}.encode()
	for i, w := range words {
		binary.LittleEndian.PutUint32(cmd[5+4*i:], w)
	}
	return cmd
}

// DecodeTransferBlock parses a DAP_TransferBlock response. For reads, the
// returned slice holds want words.
func (p *DAPProtocol) DecodeTransferBlock(resp []byte, want int, read bool) ([]uint32, error) {
	if err := checkHeader(resp, CmdTransferBlock, 4); err != nil {
		return nil, err
	}

	count := int(binary.LittleEndian.Uint16(resp[1:3]))
	ack := resp[3]
	if count != want || ack&ackMask != AckOK {
		return nil, &TransferError{Ack: ack, Completed: count}
	}
	if !read {
		return nil, nil
	}

	if len(resp) < 4+4*want {
		return nil, fmt.Errorf("incomplete block data")
	}
	words := make([]uint32, want)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(resp[4+4*i:])
	}
	return words, nil
}
