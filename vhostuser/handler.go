package vhostuser

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/renzhengeek/vhost"
)

// A Device receives the control operations a Handler decodes from its
// master. Implementations hold the slave-side state of one device: mapped
// memory, per-queue rings, and notification descriptors.
//
// Descriptor-valued arguments transfer ownership: the device must
// eventually close every file it is handed, including files it replaces.
type Device interface {
	// GetFeatures and SetFeatures negotiate device feature bits.
	GetFeatures() uint64
	SetFeatures(features uint64) error

	// GetProtocolFeatures and SetProtocolFeatures negotiate the
	// control-plane capabilities of the session.
	GetProtocolFeatures() uint64
	SetProtocolFeatures(features uint64) error

	// SetOwner and ResetOwner claim and release the device.
	SetOwner() error
	ResetOwner() error

	// SetMemTable installs the guest memory description. Each region's
	// File is the transferred backing descriptor, in table order.
	SetMemTable(table *vhost.MemoryTable) error

	// SetLogBase configures dirty-page logging. The region is nil when
	// the master sent only a log base address; otherwise it carries the
	// transferred shared-memory descriptor.
	SetLogBase(base uint64, region *vhost.LogRegion) error

	// Per-queue configuration, mirroring the master-side operations.
	SetVringNum(index, num uint32) error
	SetVringAddr(index uint32, addrs *vhost.VringAddrs) error
	SetVringBase(index, base uint32) error
	GetVringBase(index uint32) (uint32, error)
	SetVringKick(index uint32, f *os.File) error
	SetVringCall(index uint32, f *os.File) error
	SetVringErr(index uint32, f *os.File) error
	SetVringEnable(index uint32, enabled bool) error

	// GetQueueNum reports how many queues the device exposes.
	GetQueueNum() uint64

	// GetConfig and SetConfig access the device configuration region.
	GetConfig(offset, size uint32) ([]byte, error)
	SetConfig(offset uint32, data []byte) error

	// SetBackendReqFD receives the channel for slave-initiated requests.
	SetBackendReqFD(f *os.File)
}

// kindFiles maps request kinds with a fixed ancillary descriptor count.
// Vring descriptor messages, SET_MEM_TABLE, and SET_LOG_BASE are handled
// separately because their expected count depends on the payload.
var kindFiles = map[Kind]int{
	KindSetBackendReqFD: 1,
}

// kindGates maps request kinds to the protocol feature that must be
// negotiated before the kind becomes legal on a connection. Receiving a
// gated kind without its feature is a protocol error, not silently
// tolerated.
var kindGates = map[Kind]uint64{
	KindGetQueueNum:     ProtocolFeatureMQ,
	KindSetBackendReqFD: ProtocolFeatureBackendReq,
	KindGetConfig:       ProtocolFeatureConfig,
	KindSetConfig:       ProtocolFeatureConfig,
}

// A Handler runs the slave side of a control connection: it reads
// requests from the master, dispatches them to a Device, and sends
// whatever replies the protocol requires. The master is the only side
// that sends configuration; the handler only answers.
type Handler struct {
	e   *Endpoint
	dev Device

	// Negotiation state of this session, used to gate optional message
	// kinds and the reply-ack mechanism.
	ackedProtocol uint64
	protocolReady bool

	// Debug enables logging of each dispatched request.
	Debug bool
}

// NewHandler attaches a slave request handler for dev to an established
// control endpoint.
func NewHandler(e *Endpoint, dev Device) *Handler {
	return &Handler{e: e, dev: dev}
}

// Serve dispatches requests until the connection fails or the master
// disconnects. The returned error is what stopped the loop; io.EOF-like
// transport failures included, since peer exit is observed as a failed
// read.
func (h *Handler) Serve() error {
	for {
		if err := h.HandleRequest(); err != nil {
			return err
		}
	}
}

// HandleRequest reads and dispatches exactly one request. Malformed
// messages, descriptor count mismatches, and gated kinds without their
// negotiated feature all return protocol errors that the caller must
// treat as fatal to the connection.
func (h *Handler) HandleRequest() error {
	m, err := h.e.Recv()
	if err != nil {
		return err
	}

	if m.Kind == kindNone || m.Kind >= kindMax || m.Reply() {
		m.CloseFiles()
		return fmt.Errorf("%w: unexpected %s", ErrInvalidMessage, m.Kind)
	}

	if err := h.checkFiles(m); err != nil {
		m.CloseFiles()
		return err
	}

	if gate, ok := kindGates[m.Kind]; ok {
		if !h.protocolReady || h.ackedProtocol&gate == 0 {
			m.CloseFiles()
			return fmt.Errorf("%w: %s", ErrUnnegotiatedFeature, m.Kind)
		}
	}

	if h.Debug {
		log.Printf("vhost-user: handle %s (%d bytes, %d fds)", m.Kind, len(m.Payload), len(m.Files))
	}

	reply, devErr := h.dispatch(m)

	// dispatch clears m.Files when it hands descriptors to the device;
	// whatever remains was never transferred.
	m.CloseFiles()

	if devErr != nil && h.Debug {
		log.Printf("vhost-user: %s failed: %v", m.Kind, devErr)
	}

	// Decode failures are protocol errors and poison the connection;
	// device failures are reported to the master where possible and the
	// connection stays up.
	if devErr != nil && isProtocolError(devErr) {
		if m.NeedReply() {
			_ = h.sendAck(m.Kind, devErr)
		}
		return devErr
	}

	if reply != nil {
		reply.Flags |= flagReply
		if devErr != nil {
			reply.Flags |= flagError
		}
		return h.e.Send(reply)
	}

	if m.NeedReply() {
		return h.sendAck(m.Kind, devErr)
	}

	return nil
}

// sendAck answers a reply-ack request: zero for success, non-zero with
// the error flag for failure.
func (h *Handler) sendAck(k Kind, devErr error) error {
	var (
		v     uint64
		flags uint32 = flagReply
	)
	if devErr != nil {
		v = 1
		flags |= flagError
	}

	return h.e.Send(&Message{Kind: k, Flags: flags, Payload: u64Payload(v)})
}

// checkFiles rejects messages whose attached descriptor count does not
// match what their kind requires.
func (h *Handler) checkFiles(m *Message) error {
	var want int

	switch m.Kind {
	case KindSetVringKick, KindSetVringCall, KindSetVringErr:
		v, err := parseU64(m.Payload)
		if err != nil {
			return err
		}
		want = vringFDFiles(v)
	case KindSetMemTable:
		if len(m.Payload) < 8 {
			return fmt.Errorf("%w: %d byte memory table payload", ErrInvalidMessage, len(m.Payload))
		}
		want = int(order.Uint32(m.Payload[0:4]))
		if want > maxRegions {
			return fmt.Errorf("%w: %d regions", ErrInvalidMessage, want)
		}
	case KindSetLogBase:
		// An 8 byte payload carries only the log base address; the 16
		// byte shared-memory form carries a descriptor.
		switch len(m.Payload) {
		case 8:
			want = 0
		case 16:
			want = 1
		default:
			return fmt.Errorf("%w: %d byte log payload", ErrInvalidMessage, len(m.Payload))
		}
	default:
		want = kindFiles[m.Kind]
	}

	if len(m.Files) != want {
		return fmt.Errorf("%w: %s carried %d descriptors, want %d",
			ErrDescriptorMismatch, m.Kind, len(m.Files), want)
	}

	return nil
}

// isProtocolError reports whether a dispatch failure poisons the
// connection rather than describing a device-level failure.
func isProtocolError(err error) bool {
	for _, p := range []error{ErrInvalidMessage, ErrOversizedMessage, ErrPartialMessage, ErrDescriptorMismatch} {
		if errors.Is(err, p) {
			return true
		}
	}
	return false
}

// dispatch decodes one request and invokes the device. It returns the
// reply for kinds with an inherent reply, and the device error for the
// acknowledgement path.
func (h *Handler) dispatch(m *Message) (*Message, error) {
	switch m.Kind {
	case KindGetFeatures:
		return &Message{Kind: m.Kind, Payload: u64Payload(h.dev.GetFeatures())}, nil

	case KindSetFeatures:
		v, err := parseU64(m.Payload)
		if err != nil {
			return nil, err
		}
		return nil, h.dev.SetFeatures(v)

	case KindGetProtocolFeatures:
		return &Message{Kind: m.Kind, Payload: u64Payload(h.dev.GetProtocolFeatures())}, nil

	case KindSetProtocolFeatures:
		v, err := parseU64(m.Payload)
		if err != nil {
			return nil, err
		}
		if err := h.dev.SetProtocolFeatures(v); err != nil {
			return nil, err
		}
		h.ackedProtocol = v
		h.protocolReady = true
		return nil, nil

	case KindSetOwner:
		return nil, h.dev.SetOwner()

	case KindResetOwner:
		err := h.dev.ResetOwner()
		if err == nil {
			h.ackedProtocol = 0
			h.protocolReady = false
		}
		return nil, err

	case KindSetMemTable:
		regions, err := parseMemTable(m.Payload)
		if err != nil {
			return nil, err
		}
		for i := range regions {
			regions[i].File = m.Files[i]
		}
		m.Files = nil
		return nil, h.dev.SetMemTable(&vhost.MemoryTable{Regions: regions})

	case KindSetLogBase:
		if len(m.Files) == 0 {
			base, err := parseU64(m.Payload)
			if err != nil {
				return nil, err
			}
			return nil, h.dev.SetLogBase(base, nil)
		}

		size, offset, err := parseLog(m.Payload)
		if err != nil {
			return nil, err
		}
		region := &vhost.LogRegion{Size: size, Offset: offset, File: m.Files[0]}
		m.Files = nil
		if err := h.dev.SetLogBase(0, region); err != nil {
			return nil, err
		}
		// The mapping acknowledgement is this kind's inherent reply.
		return &Message{Kind: m.Kind, Payload: u64Payload(0)}, nil

	case KindSetVringNum:
		index, num, err := parseVringState(m.Payload)
		if err != nil {
			return nil, err
		}
		return nil, h.dev.SetVringNum(index, num)

	case KindSetVringAddr:
		index, addrs, err := parseVringAddr(m.Payload)
		if err != nil {
			return nil, err
		}
		return nil, h.dev.SetVringAddr(index, addrs)

	case KindSetVringBase:
		index, base, err := parseVringState(m.Payload)
		if err != nil {
			return nil, err
		}
		return nil, h.dev.SetVringBase(index, base)

	case KindGetVringBase:
		index, _, err := parseVringState(m.Payload)
		if err != nil {
			return nil, err
		}
		base, err := h.dev.GetVringBase(index)
		if err != nil {
			return &Message{Kind: m.Kind, Payload: vringStatePayload(index, 0)}, err
		}
		return &Message{Kind: m.Kind, Payload: vringStatePayload(index, base)}, nil

	case KindSetVringKick, KindSetVringCall, KindSetVringErr:
		v, err := parseU64(m.Payload)
		if err != nil {
			return nil, err
		}

		var f *os.File
		if v&nofdMask == 0 {
			f = m.Files[0]
			m.Files = nil
		}
		index := uint32(v &^ nofdMask)

		switch m.Kind {
		case KindSetVringKick:
			return nil, h.dev.SetVringKick(index, f)
		case KindSetVringCall:
			return nil, h.dev.SetVringCall(index, f)
		default:
			return nil, h.dev.SetVringErr(index, f)
		}

	case KindSetVringEnable:
		index, v, err := parseVringState(m.Payload)
		if err != nil {
			return nil, err
		}
		return nil, h.dev.SetVringEnable(index, v != 0)

	case KindGetQueueNum:
		return &Message{Kind: m.Kind, Payload: u64Payload(h.dev.GetQueueNum())}, nil

	case KindGetConfig:
		offset, size, flags, _, err := parseConfig(m.Payload)
		if err != nil {
			return nil, err
		}
		data, err := h.dev.GetConfig(offset, size)
		if err != nil {
			return &Message{Kind: m.Kind, Payload: configPayload(offset, size, flags, make([]byte, size))}, err
		}
		return &Message{Kind: m.Kind, Payload: configPayload(offset, size, flags, data)}, nil

	case KindSetConfig:
		offset, _, _, data, err := parseConfig(m.Payload)
		if err != nil {
			return nil, err
		}
		return nil, h.dev.SetConfig(offset, data)

	case KindSetBackendReqFD:
		h.dev.SetBackendReqFD(m.Files[0])
		m.Files = nil
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unhandled %s", ErrInvalidMessage, m.Kind)
	}
}
