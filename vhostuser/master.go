package vhostuser

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/renzhengeek/vhost"
)

// connState tracks the lifecycle of a control connection.
type connState int

const (
	stateConnected connState = iota
	stateNegotiated
	stateActive
	stateClosed
)

// queue is the mutable configuration state of one virtqueue. It has no
// transitions of its own: every field is set through a Backend call, and
// the whole struct is cleared only on ResetOwner or teardown. Disabling a
// queue keeps its other fields so it can be re-enabled without re-sending
// unchanged configuration.
type queue struct {
	num   uint16
	addrs vhost.VringAddrs
	base  uint16

	hasNum   bool
	hasAddrs bool
	hasKick  bool
	hasCall  bool
	hasErr   bool

	enabled bool
}

// ready reports whether the queue may be enabled: ring size, all three
// ring addresses, and both notification descriptors must have been
// configured. Clearing a descriptor with a nil file counts as
// configuration: the queue then runs in polling mode, which is a valid
// state to enable from.
func (q *queue) ready() bool {
	return q.hasNum && q.hasAddrs && q.hasKick && q.hasCall
}

// A Master drives a vhost-user slave over a control channel. It owns the
// virtqueues and sends every configuration message; the slave only
// replies. Master implements vhost.Backend, so callers written against
// the capability contract work identically against a kernel backend.
//
// All methods are safe for concurrent use, but the protocol allows only
// one outstanding request per connection, so calls serialize internally.
type Master struct {
	mu sync.Mutex
	e  *Endpoint

	state connState
	owned bool

	// Device feature negotiation.
	features    uint64 // advertised by the slave
	acked       uint64 // effective set after SetFeatures
	gotFeatures bool
	setFeatures bool

	// Protocol feature negotiation.
	protocolFeatures uint64 // advertised by the slave
	ackedProtocol    uint64 // effective set after SetProtocolFeatures
	protocolReady    bool

	table  *vhost.MemoryTable
	queues []queue
}

var _ vhost.Backend = &Master{}

// NewMaster attaches a master to an established control endpoint managing
// numQueues virtqueues. The connection starts unnegotiated; the caller
// performs the handshake with GetFeatures, SetFeatures, and, if the slave
// offers FeatureProtocolFeatures, GetProtocolFeatures and
// SetProtocolFeatures.
func NewMaster(e *Endpoint, numQueues int) *Master {
	return &Master{
		e:      e,
		state:  stateConnected,
		queues: make([]queue, numQueues),
	}
}

// SetDeadline bounds the channel I/O of every subsequent operation. An
// expired deadline is a transport error: the operation that hit it fails
// and the connection is closed.
func (m *Master) SetDeadline(t time.Time) error { return m.e.SetDeadline(t) }

// Close tears down the connection. Further operations fail with
// ErrClosed.
func (m *Master) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == stateClosed {
		return nil
	}
	m.state = stateClosed

	return m.e.Close()
}

// fail closes the connection after a protocol or transport error.
// Callers hold m.mu.
func (m *Master) fail(err error) error {
	m.state = stateClosed
	_ = m.e.Close()
	return err
}

// send transmits a request that has no inherent reply. When the reply-ack
// protocol feature was negotiated, the request asks for an
// acknowledgement and blocks until it arrives; otherwise it returns as
// soon as the message is written. Callers hold m.mu.
func (m *Master) send(k Kind, payload []byte, files []*os.File) error {
	msg := &Message{Kind: k, Payload: payload, Files: files}

	ack := m.protocolReady && m.ackedProtocol&ProtocolFeatureReplyAck != 0
	if ack {
		msg.Flags = flagNeedReply
	}

	if err := m.e.Send(msg); err != nil {
		return m.fail(err)
	}
	if !ack {
		return nil
	}

	_, err := m.recvAck(k)
	return err
}

// call transmits a request whose kind has an inherent reply and blocks
// for it. Callers hold m.mu.
func (m *Master) call(k Kind, payload []byte, files []*os.File) (*Message, error) {
	if err := m.e.Send(&Message{Kind: k, Payload: payload, Files: files}); err != nil {
		return nil, m.fail(err)
	}

	return m.recvReply(k)
}

// recvReply reads the reply to request kind k. The channel is a single
// ordered stream with one outstanding request, so the next message must
// be that reply; anything else is fatal. Callers hold m.mu.
func (m *Master) recvReply(k Kind) (*Message, error) {
	r, err := m.e.Recv()
	if err != nil {
		return nil, m.fail(err)
	}

	if r.Kind != k || !r.Reply() {
		r.CloseFiles()
		return nil, m.fail(fmt.Errorf("%w: %s reply to %s request", ErrInvalidReply, r.Kind, k))
	}

	if r.Flags&flagError != 0 {
		r.CloseFiles()
		return nil, fmt.Errorf("%w: %s", ErrReplyError, k)
	}

	return r, nil
}

// recvAck reads a reply-ack acknowledgement: a u64 payload that is zero
// on success. Callers hold m.mu.
func (m *Master) recvAck(k Kind) (uint64, error) {
	r, err := m.recvReply(k)
	if err != nil {
		return 0, err
	}
	r.CloseFiles()

	v, err := parseU64(r.Payload)
	if err != nil {
		return 0, m.fail(err)
	}
	if v != 0 {
		return v, fmt.Errorf("%w: %s returned %d", ErrReplyError, k, v)
	}

	return 0, nil
}

// checkOpen rejects operations on closed connections. Callers hold m.mu.
func (m *Master) checkOpen() error {
	if m.state == stateClosed {
		return ErrClosed
	}
	return nil
}

// checkOwned additionally requires ownership to have been claimed.
// Callers hold m.mu.
func (m *Master) checkOwned() error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	if !m.owned {
		return vhost.ErrNoOwner
	}
	return nil
}

// checkProtocolFeature requires a protocol feature bit in the negotiated
// set before a gated message kind may be used. Callers hold m.mu.
func (m *Master) checkProtocolFeature(bit uint64) error {
	if !m.protocolReady || m.ackedProtocol&bit == 0 {
		return fmt.Errorf("%w: bit %#x", ErrUnnegotiatedFeature, bit)
	}
	return nil
}

// checkQueue validates a queue index. Callers hold m.mu.
func (m *Master) checkQueue(index int) error {
	if index < 0 || index >= len(m.queues) {
		return fmt.Errorf("%w: index %d of %d", vhost.ErrInvalidQueue, index, len(m.queues))
	}
	return nil
}

// maybeNegotiated advances the connection once the feature handshake is
// complete. Protocol features only need exchanging when the slave offered
// them and the master accepted. Callers hold m.mu.
func (m *Master) maybeNegotiated() {
	if m.state != stateConnected {
		return
	}
	if !m.gotFeatures || !m.setFeatures {
		return
	}
	if m.acked&vhost.FeatureProtocolFeatures != 0 && !m.protocolReady {
		return
	}
	m.state = stateNegotiated
}

// maybeActive advances the connection once a memory table and at least
// one enabled queue are in place. Callers hold m.mu.
func (m *Master) maybeActive() {
	if m.state != stateNegotiated || m.table == nil {
		return
	}
	for i := range m.queues {
		if m.queues[i].enabled {
			m.state = stateActive
			return
		}
	}
}

// SetOwner claims the slave for this connection. It implements
// vhost.Backend.
func (m *Master) SetOwner() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return err
	}
	if m.owned {
		return vhost.ErrAlreadyOwned
	}

	if err := m.send(KindSetOwner, nil, nil); err != nil {
		return err
	}

	m.owned = true
	return nil
}

// ResetOwner releases the slave and destroys all negotiated and per-queue
// state. The connection itself stays usable and returns to its
// unnegotiated state. It implements vhost.Backend.
func (m *Master) ResetOwner() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwned(); err != nil {
		return err
	}

	if err := m.send(KindResetOwner, nil, nil); err != nil {
		return err
	}

	m.owned = false
	m.gotFeatures = false
	m.setFeatures = false
	m.acked = 0
	m.protocolReady = false
	m.ackedProtocol = 0
	m.table = nil
	for i := range m.queues {
		m.queues[i] = queue{}
	}
	m.state = stateConnected

	return nil
}

// GetFeatures queries the device feature bits the slave offers. It
// implements vhost.Backend.
func (m *Master) GetFeatures() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwned(); err != nil {
		return 0, err
	}

	r, err := m.call(KindGetFeatures, nil, nil)
	if err != nil {
		return 0, err
	}
	r.CloseFiles()

	v, err := parseU64(r.Payload)
	if err != nil {
		return 0, m.fail(err)
	}

	m.features = v
	m.gotFeatures = true
	return v, nil
}

// SetFeatures acknowledges device features. The bits sent to the slave
// are the intersection of the requested bits and the slave's
// advertisement, so both sides converge on the same effective set. It
// implements vhost.Backend.
func (m *Master) SetFeatures(features uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwned(); err != nil {
		return err
	}
	if !m.gotFeatures {
		return fmt.Errorf("%w: SetFeatures before GetFeatures", vhost.ErrInvalidOperation)
	}
	for i := range m.queues {
		if m.queues[i].enabled {
			return fmt.Errorf("%w: SetFeatures with queue %d enabled", vhost.ErrInvalidOperation, i)
		}
	}

	effective := Negotiate(m.features, features)
	if err := m.send(KindSetFeatures, u64Payload(effective), nil); err != nil {
		return err
	}

	m.acked = effective
	m.setFeatures = true
	m.maybeNegotiated()
	return nil
}

// GetProtocolFeatures queries the protocol feature bits the slave offers.
// It fails with ErrInvalidOperation unless the slave advertised
// vhost.FeatureProtocolFeatures.
func (m *Master) GetProtocolFeatures() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwned(); err != nil {
		return 0, err
	}
	if !m.gotFeatures || m.features&vhost.FeatureProtocolFeatures == 0 {
		return 0, fmt.Errorf("%w: slave does not support protocol features", vhost.ErrInvalidOperation)
	}

	r, err := m.call(KindGetProtocolFeatures, nil, nil)
	if err != nil {
		return 0, err
	}
	r.CloseFiles()

	v, err := parseU64(r.Payload)
	if err != nil {
		return 0, m.fail(err)
	}

	m.protocolFeatures = v
	return v, nil
}

// SetProtocolFeatures acknowledges protocol features, again as the
// intersection with the slave's advertisement.
func (m *Master) SetProtocolFeatures(features uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwned(); err != nil {
		return err
	}
	if !m.gotFeatures || m.features&vhost.FeatureProtocolFeatures == 0 {
		return fmt.Errorf("%w: slave does not support protocol features", vhost.ErrInvalidOperation)
	}

	effective := Negotiate(m.protocolFeatures, features)
	if err := m.e.Send(&Message{Kind: KindSetProtocolFeatures, Payload: u64Payload(effective)}); err != nil {
		return m.fail(err)
	}

	m.ackedProtocol = effective
	m.protocolReady = true
	m.maybeNegotiated()
	return nil
}

// AckedProtocolFeatures returns the protocol features in effect for this
// session, and whether negotiation has happened at all.
func (m *Master) AckedProtocolFeatures() (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ackedProtocol, m.protocolReady
}

// RequireProtocolFeatures fails the connection when mandatory bits are
// missing from the negotiated set. Negotiation must not silently degrade:
// a master that depends on a capability checks for it once, up front.
func (m *Master) RequireProtocolFeatures(bits uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(); err != nil {
		return err
	}
	if !m.protocolReady || m.ackedProtocol&bits != bits {
		return m.fail(fmt.Errorf("%w: required bits %#x, negotiated %#x",
			ErrUnnegotiatedFeature, bits, m.ackedProtocol))
	}
	return nil
}

// GetQueueNum queries how many virtqueues the slave supports. Gated by
// the multiqueue protocol feature.
func (m *Master) GetQueueNum() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwned(); err != nil {
		return 0, err
	}
	if err := m.checkProtocolFeature(ProtocolFeatureMQ); err != nil {
		return 0, err
	}

	r, err := m.call(KindGetQueueNum, nil, nil)
	if err != nil {
		return 0, err
	}
	r.CloseFiles()

	v, err := parseU64(r.Payload)
	if err != nil {
		return 0, m.fail(err)
	}
	return v, nil
}

// SetMemTable validates and installs the shared memory description. The
// backing descriptor of every region travels as ancillary data, in
// region order. It implements vhost.Backend.
func (m *Master) SetMemTable(table *vhost.MemoryTable) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwned(); err != nil {
		return err
	}
	if m.state != stateNegotiated && m.state != stateActive {
		return fmt.Errorf("%w: SetMemTable before negotiation", vhost.ErrInvalidOperation)
	}

	if err := table.Validate(); err != nil {
		return err
	}
	if len(table.Regions) > maxRegions {
		return fmt.Errorf("%w: %d regions exceeds limit of %d",
			vhost.ErrInvalidGuestMemory, len(table.Regions), maxRegions)
	}

	files := make([]*os.File, len(table.Regions))
	for i := range table.Regions {
		if table.Regions[i].File == nil {
			return fmt.Errorf("%w: region %d has no backing descriptor",
				vhost.ErrInvalidGuestMemoryRegion, i)
		}
		files[i] = table.Regions[i].File
	}

	if err := m.send(KindSetMemTable, memTablePayload(table), files); err != nil {
		return err
	}

	m.table = table
	return nil
}

// SetLogBase configures dirty-page logging. With a nil region only the
// log base address is transferred; with a region, the shared-memory log
// protocol feature must have been negotiated and the region's descriptor
// travels with the message. It implements vhost.Backend.
func (m *Master) SetLogBase(base uint64, region *vhost.LogRegion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwned(); err != nil {
		return err
	}

	if region == nil {
		if err := m.e.Send(&Message{Kind: KindSetLogBase, Payload: u64Payload(base)}); err != nil {
			return m.fail(err)
		}
		return nil
	}

	if err := m.checkProtocolFeature(ProtocolFeatureLogSHMFD); err != nil {
		return err
	}
	if region.File == nil {
		return fmt.Errorf("%w: log region has no backing descriptor", vhost.ErrLogAddress)
	}

	// With a shared log the slave acknowledges once the mapping is in
	// place, so this request has an inherent reply.
	r, err := m.call(KindSetLogBase, logPayload(region.Size, region.Offset), []*os.File{region.File})
	if err != nil {
		return err
	}
	r.CloseFiles()
	return nil
}

// SetVringNum sets the ring size of one queue. It implements
// vhost.Backend.
func (m *Master) SetVringNum(index int, num uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwned(); err != nil {
		return err
	}
	if err := m.checkQueue(index); err != nil {
		return err
	}
	if num == 0 || num&(num-1) != 0 || num > vhost.MaxQueueSize {
		return fmt.Errorf("%w: ring size %d", vhost.ErrInvalidQueue, num)
	}

	if err := m.send(KindSetVringNum, vringStatePayload(uint32(index), uint32(num)), nil); err != nil {
		return err
	}

	m.queues[index].num = num
	m.queues[index].hasNum = true
	return nil
}

// SetVringAddr sets the ring addresses of one queue after validating them
// against the installed memory table. It implements vhost.Backend.
func (m *Master) SetVringAddr(index int, addrs *vhost.VringAddrs) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwned(); err != nil {
		return err
	}
	if err := m.checkQueue(index); err != nil {
		return err
	}
	if m.table == nil {
		return fmt.Errorf("%w: SetVringAddr before SetMemTable", vhost.ErrInvalidOperation)
	}
	if err := m.table.CheckVringAddrs(addrs); err != nil {
		return err
	}

	if err := m.send(KindSetVringAddr, vringAddrPayload(uint32(index), addrs), nil); err != nil {
		return err
	}

	m.queues[index].addrs = *addrs
	m.queues[index].hasAddrs = true
	return nil
}

// SetVringBase seeds the next available index of one queue. It implements
// vhost.Backend.
func (m *Master) SetVringBase(index int, base uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwned(); err != nil {
		return err
	}
	if err := m.checkQueue(index); err != nil {
		return err
	}

	if err := m.send(KindSetVringBase, vringStatePayload(uint32(index), uint32(base)), nil); err != nil {
		return err
	}

	m.queues[index].base = base
	return nil
}

// GetVringBase returns the last available index of one queue. The slave
// stops the ring before answering, so the queue is left disabled. It
// implements vhost.Backend.
func (m *Master) GetVringBase(index int) (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwned(); err != nil {
		return 0, err
	}
	if err := m.checkQueue(index); err != nil {
		return 0, err
	}

	r, err := m.call(KindGetVringBase, vringStatePayload(uint32(index), 0), nil)
	if err != nil {
		return 0, err
	}
	r.CloseFiles()

	ri, num, err := parseVringState(r.Payload)
	if err != nil {
		return 0, m.fail(err)
	}
	if ri != uint32(index) {
		return 0, m.fail(fmt.Errorf("%w: base for queue %d, requested %d", ErrInvalidReply, ri, index))
	}

	m.queues[index].enabled = false
	return uint16(num), nil
}

// setVringFile wires one notification descriptor. A nil file sets the
// payload's no-descriptor bit instead of attaching ancillary data.
// Callers hold m.mu.
func (m *Master) setVringFile(k Kind, index int, f *os.File) error {
	if err := m.checkOwned(); err != nil {
		return err
	}
	if err := m.checkQueue(index); err != nil {
		return err
	}

	payload := uint64(index)
	var files []*os.File
	if f == nil {
		payload |= nofdMask
	} else {
		files = []*os.File{f}
	}

	return m.send(k, u64Payload(payload), files)
}

// SetVringCall wires the interrupt eventfd of one queue. It implements
// vhost.Backend.
func (m *Master) SetVringCall(index int, call *os.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.setVringFile(KindSetVringCall, index, call); err != nil {
		return err
	}

	m.queues[index].hasCall = true
	return nil
}

// SetVringKick wires the notification eventfd of one queue. It implements
// vhost.Backend.
func (m *Master) SetVringKick(index int, kick *os.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.setVringFile(KindSetVringKick, index, kick); err != nil {
		return err
	}

	m.queues[index].hasKick = true
	return nil
}

// SetVringErr wires the error eventfd of one queue. It implements
// vhost.Backend.
func (m *Master) SetVringErr(index int, errFile *os.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.setVringFile(KindSetVringErr, index, errFile); err != nil {
		return err
	}

	m.queues[index].hasErr = true
	return nil
}

// SetVringEnable starts or stops one queue. Enabling requires the queue's
// ring size, addresses, and notification descriptors to be in place;
// otherwise it fails with vhost.ErrInvalidQueue and the queue stays
// disabled. Gated by protocol feature negotiation.
func (m *Master) SetVringEnable(index int, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwned(); err != nil {
		return err
	}
	if err := m.checkQueue(index); err != nil {
		return err
	}
	if !m.protocolReady {
		return fmt.Errorf("%w: SetVringEnable without protocol feature negotiation", ErrUnnegotiatedFeature)
	}

	if enabled && !m.queues[index].ready() {
		return fmt.Errorf("%w: queue %d not fully configured", vhost.ErrInvalidQueue, index)
	}

	var v uint32
	if enabled {
		v = 1
	}

	if err := m.send(KindSetVringEnable, vringStatePayload(uint32(index), v), nil); err != nil {
		return err
	}

	m.queues[index].enabled = enabled
	m.maybeActive()
	return nil
}

// GetConfig reads size bytes of the device configuration region starting
// at offset. Gated by the config protocol feature.
func (m *Master) GetConfig(offset, size uint32) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwned(); err != nil {
		return nil, err
	}
	if err := m.checkProtocolFeature(ProtocolFeatureConfig); err != nil {
		return nil, err
	}
	if size == 0 || size > maxConfigSize {
		return nil, fmt.Errorf("%w: config read of %d bytes", vhost.ErrInvalidOperation, size)
	}

	r, err := m.call(KindGetConfig, configPayload(offset, size, 0, make([]byte, size)), nil)
	if err != nil {
		return nil, err
	}
	r.CloseFiles()

	roff, rsize, _, data, err := parseConfig(r.Payload)
	if err != nil {
		return nil, m.fail(err)
	}
	if roff != offset || rsize != size {
		return nil, m.fail(fmt.Errorf("%w: config reply for offset %d size %d", ErrInvalidReply, roff, rsize))
	}

	return data, nil
}

// SetConfig writes bytes into the device configuration region. Gated by
// the config protocol feature.
func (m *Master) SetConfig(offset uint32, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwned(); err != nil {
		return err
	}
	if err := m.checkProtocolFeature(ProtocolFeatureConfig); err != nil {
		return err
	}
	if len(data) == 0 || len(data) > maxConfigSize {
		return fmt.Errorf("%w: config write of %d bytes", vhost.ErrInvalidOperation, len(data))
	}

	return m.send(KindSetConfig, configPayload(offset, uint32(len(data)), 0, data), nil)
}

// SetBackendReqFD hands the slave a channel for slave-initiated requests.
// Gated by the backend request protocol feature.
func (m *Master) SetBackendReqFD(f *os.File) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOwned(); err != nil {
		return err
	}
	if err := m.checkProtocolFeature(ProtocolFeatureBackendReq); err != nil {
		return err
	}

	return m.send(KindSetBackendReqFD, nil, []*os.File{f})
}
