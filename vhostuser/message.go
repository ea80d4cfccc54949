package vhostuser

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/renzhengeek/vhost"
)

// All wire numbers are in the machine's native byte order, matching the
// other end of a local socket.
var order = binary.NativeEndian

// A Kind identifies a vhost-user request.
type Kind uint32

// Request kinds sent by the master. Replies reuse the kind of the request
// they answer.
const (
	kindNone                Kind = 0
	KindGetFeatures         Kind = 1
	KindSetFeatures         Kind = 2
	KindSetOwner            Kind = 3
	KindResetOwner          Kind = 4
	KindSetMemTable         Kind = 5
	KindSetLogBase          Kind = 6
	KindSetLogFD            Kind = 7
	KindSetVringNum         Kind = 8
	KindSetVringAddr        Kind = 9
	KindSetVringBase        Kind = 10
	KindGetVringBase        Kind = 11
	KindSetVringKick        Kind = 12
	KindSetVringCall        Kind = 13
	KindSetVringErr         Kind = 14
	KindGetProtocolFeatures Kind = 15
	KindSetProtocolFeatures Kind = 16
	KindGetQueueNum         Kind = 17
	KindSetVringEnable      Kind = 18
	KindSendRARP            Kind = 19
	KindNetSetMTU           Kind = 20
	KindSetBackendReqFD     Kind = 21
	KindIOTLBMsg            Kind = 22
	KindSetVringEndian      Kind = 23
	KindGetConfig           Kind = 24
	KindSetConfig           Kind = 25

	kindMax Kind = 26
)

var kindNames = map[Kind]string{
	kindNone:                "NONE",
	KindGetFeatures:         "GET_FEATURES",
	KindSetFeatures:         "SET_FEATURES",
	KindSetOwner:            "SET_OWNER",
	KindResetOwner:          "RESET_OWNER",
	KindSetMemTable:         "SET_MEM_TABLE",
	KindSetLogBase:          "SET_LOG_BASE",
	KindSetLogFD:            "SET_LOG_FD",
	KindSetVringNum:         "SET_VRING_NUM",
	KindSetVringAddr:        "SET_VRING_ADDR",
	KindSetVringBase:        "SET_VRING_BASE",
	KindGetVringBase:        "GET_VRING_BASE",
	KindSetVringKick:        "SET_VRING_KICK",
	KindSetVringCall:        "SET_VRING_CALL",
	KindSetVringErr:         "SET_VRING_ERR",
	KindGetProtocolFeatures: "GET_PROTOCOL_FEATURES",
	KindSetProtocolFeatures: "SET_PROTOCOL_FEATURES",
	KindGetQueueNum:         "GET_QUEUE_NUM",
	KindSetVringEnable:      "SET_VRING_ENABLE",
	KindSendRARP:            "SEND_RARP",
	KindNetSetMTU:           "NET_SET_MTU",
	KindSetBackendReqFD:     "SET_BACKEND_REQ_FD",
	KindIOTLBMsg:            "IOTLB_MSG",
	KindSetVringEndian:      "SET_VRING_ENDIAN",
	KindGetConfig:           "GET_CONFIG",
	KindSetConfig:           "SET_CONFIG",
}

// String returns the protocol name of the kind, or its number if unknown.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(k))
}

// Protocol feature bits. Unlike device features, these gate control-plane
// capabilities of the session itself and are never exposed to the guest.
const (
	ProtocolFeatureMQ                  = 1 << 0
	ProtocolFeatureLogSHMFD            = 1 << 1
	ProtocolFeatureRARP                = 1 << 2
	ProtocolFeatureReplyAck            = 1 << 3
	ProtocolFeatureNetMTU              = 1 << 4
	ProtocolFeatureBackendReq          = 1 << 5
	ProtocolFeatureCrossEndian         = 1 << 6
	ProtocolFeatureCryptoSession       = 1 << 7
	ProtocolFeaturePagefault           = 1 << 8
	ProtocolFeatureConfig              = 1 << 9
	ProtocolFeatureBackendSendFD       = 1 << 10
	ProtocolFeatureHostNotifier        = 1 << 11
	ProtocolFeatureInflightSHMFD       = 1 << 12
	ProtocolFeatureResetDevice         = 1 << 13
	ProtocolFeatureInbandNotifications = 1 << 14
	ProtocolFeatureConfigureMemSlots   = 1 << 15
	ProtocolFeatureStatus              = 1 << 16
)

// Header flag bits.
const (
	// version1 is the protocol version carried in the low flag bits of
	// every message.
	version1    = 0x1
	versionMask = 0x3

	// flagReply marks a message as the reply to a request.
	flagReply = 0x1 << 2

	// flagNeedReply asks the peer to acknowledge a request that has no
	// inherent reply. Only legal once ProtocolFeatureReplyAck has been
	// negotiated.
	flagNeedReply = 0x1 << 3

	// flagError marks a reply that reports failure of the request.
	flagError = 0x1 << 4
)

const (
	// headerSize is the fixed wire size of a message header: kind, flags,
	// and payload length, each 32 bits.
	headerSize = 12

	// maxPayloadSize bounds the payload length a peer may claim. A
	// header advertising more is rejected before any allocation.
	maxPayloadSize = 0x1000

	// maxRegions is the baseline limit on memory table entries, and with
	// it the number of descriptors one message may carry.
	maxRegions = 8

	// nofdMask marks a vring descriptor payload whose message carries no
	// descriptor, switching the queue to polling mode.
	nofdMask = 0x1 << 8
)

// A Message is one decoded protocol unit: a kind, header flags, the raw
// payload, and any files that arrived as ancillary data alongside it.
// Ownership of Files moves to whoever the message is handed to.
type Message struct {
	Kind    Kind
	Flags   uint32
	Payload []byte
	Files   []*os.File
}

// Reply reports whether the message is flagged as a reply.
func (m *Message) Reply() bool { return m.Flags&flagReply != 0 }

// NeedReply reports whether the sender asked for an acknowledgement.
func (m *Message) NeedReply() bool { return m.Flags&flagNeedReply != 0 }

// CloseFiles releases every descriptor attached to the message. Dispatch
// code calls it on paths that do not hand the files to an owner.
func (m *Message) CloseFiles() {
	for _, f := range m.Files {
		_ = f.Close()
	}
	m.Files = nil
}

// vringFDFiles returns the expected descriptor count for a vring fd
// payload: one, unless the payload's no-descriptor bit is set.
func vringFDFiles(payload uint64) int {
	if payload&nofdMask != 0 {
		return 0
	}
	return 1
}

// u64Payload and parseU64 handle the common single-integer payload.

func u64Payload(v uint64) []byte {
	b := make([]byte, 8)
	order.PutUint64(b, v)
	return b
}

func parseU64(p []byte) (uint64, error) {
	if len(p) != 8 {
		return 0, fmt.Errorf("%w: %d byte integer payload", ErrInvalidMessage, len(p))
	}
	return order.Uint64(p), nil
}

// vringStatePayload and parseVringState handle the {index, num} payload
// shared by SET_VRING_NUM, SET_VRING_BASE, GET_VRING_BASE, and
// SET_VRING_ENABLE.

func vringStatePayload(index, num uint32) []byte {
	b := make([]byte, 8)
	order.PutUint32(b[0:4], index)
	order.PutUint32(b[4:8], num)
	return b
}

func parseVringState(p []byte) (index, num uint32, err error) {
	if len(p) != 8 {
		return 0, 0, fmt.Errorf("%w: %d byte vring state payload", ErrInvalidMessage, len(p))
	}
	return order.Uint32(p[0:4]), order.Uint32(p[4:8]), nil
}

// vringAddrPayload and parseVringAddr handle the SET_VRING_ADDR payload.
// The wire layout is index, flags, then the descriptor, used, available,
// and log addresses.

const vringAddrSize = 40

func vringAddrPayload(index uint32, a *vhost.VringAddrs) []byte {
	b := make([]byte, vringAddrSize)
	order.PutUint32(b[0:4], index)
	order.PutUint32(b[4:8], a.Flags)
	order.PutUint64(b[8:16], a.DescAddr)
	order.PutUint64(b[16:24], a.UsedAddr)
	order.PutUint64(b[24:32], a.AvailAddr)
	order.PutUint64(b[32:40], a.LogAddr)
	return b
}

func parseVringAddr(p []byte) (index uint32, a *vhost.VringAddrs, err error) {
	if len(p) != vringAddrSize {
		return 0, nil, fmt.Errorf("%w: %d byte vring address payload", ErrInvalidMessage, len(p))
	}

	return order.Uint32(p[0:4]), &vhost.VringAddrs{
		Flags:     order.Uint32(p[4:8]),
		DescAddr:  order.Uint64(p[8:16]),
		UsedAddr:  order.Uint64(p[16:24]),
		AvailAddr: order.Uint64(p[24:32]),
		LogAddr:   order.Uint64(p[32:40]),
	}, nil
}

// memTablePayload and parseMemTable handle the SET_MEM_TABLE payload: a
// region count, padding, and one fixed-size record per region. The
// backing descriptors travel as ancillary data in table order, so the
// records themselves carry only addresses.

const memRegionSize = 32

func memTablePayload(table *vhost.MemoryTable) []byte {
	b := make([]byte, 8+len(table.Regions)*memRegionSize)
	order.PutUint32(b[0:4], uint32(len(table.Regions)))

	off := 8
	for i := range table.Regions {
		r := &table.Regions[i]
		order.PutUint64(b[off+0:off+8], r.GuestPhysAddr)
		order.PutUint64(b[off+8:off+16], r.Size)
		order.PutUint64(b[off+16:off+24], r.UserspaceAddr)
		order.PutUint64(b[off+24:off+32], r.MmapOffset)
		off += memRegionSize
	}

	return b
}

func parseMemTable(p []byte) ([]vhost.MemoryRegion, error) {
	if len(p) < 8 {
		return nil, fmt.Errorf("%w: %d byte memory table payload", ErrInvalidMessage, len(p))
	}

	n := order.Uint32(p[0:4])
	if n == 0 || n > maxRegions {
		return nil, fmt.Errorf("%w: %d regions", ErrInvalidMessage, n)
	}
	if len(p) != 8+int(n)*memRegionSize {
		return nil, fmt.Errorf("%w: %d byte payload for %d regions", ErrInvalidMessage, len(p), n)
	}

	regions := make([]vhost.MemoryRegion, n)
	off := 8
	for i := range regions {
		regions[i] = vhost.MemoryRegion{
			GuestPhysAddr: order.Uint64(p[off+0 : off+8]),
			Size:          order.Uint64(p[off+8 : off+16]),
			UserspaceAddr: order.Uint64(p[off+16 : off+24]),
			MmapOffset:    order.Uint64(p[off+24 : off+32]),
		}
		off += memRegionSize
	}

	return regions, nil
}

// logPayload and parseLog handle the SET_LOG_BASE payload.

func logPayload(size, offset uint64) []byte {
	b := make([]byte, 16)
	order.PutUint64(b[0:8], size)
	order.PutUint64(b[8:16], offset)
	return b
}

func parseLog(p []byte) (size, offset uint64, err error) {
	if len(p) != 16 {
		return 0, 0, fmt.Errorf("%w: %d byte log payload", ErrInvalidMessage, len(p))
	}
	return order.Uint64(p[0:8]), order.Uint64(p[8:16]), nil
}

// configPayload and parseConfig handle the GET_CONFIG and SET_CONFIG
// payloads: offset, size, flags, then the configuration bytes.

const (
	configHeaderSize = 12

	// maxConfigSize bounds the device configuration region.
	maxConfigSize = 256
)

func configPayload(offset, size, flags uint32, data []byte) []byte {
	b := make([]byte, configHeaderSize+len(data))
	order.PutUint32(b[0:4], offset)
	order.PutUint32(b[4:8], size)
	order.PutUint32(b[8:12], flags)
	copy(b[configHeaderSize:], data)
	return b
}

func parseConfig(p []byte) (offset, size, flags uint32, data []byte, err error) {
	if len(p) < configHeaderSize {
		return 0, 0, 0, nil, fmt.Errorf("%w: %d byte config payload", ErrInvalidMessage, len(p))
	}

	offset = order.Uint32(p[0:4])
	size = order.Uint32(p[4:8])
	flags = order.Uint32(p[8:12])
	data = p[configHeaderSize:]

	if size == 0 || size > maxConfigSize || int(size) != len(data) {
		return 0, 0, 0, nil, fmt.Errorf("%w: config size %d with %d data bytes", ErrInvalidMessage, size, len(data))
	}

	return offset, size, flags, data, nil
}
