package vhost

import "os"

// Device feature bits relevant to the control plane. Most device feature
// bits are product specific and passed through untouched; the bits below
// are the generic ones a backend or frontend may need to inspect during
// negotiation.
const (
	// FeatureNotifyOnEmpty indicates the device may notify even when no
	// interrupt suppression is in effect.
	FeatureNotifyOnEmpty = 1 << 24

	// FeatureLogAll enables dirty-page logging on all writes, used during
	// live migration.
	FeatureLogAll = 1 << 26

	// FeatureAnyLayout indicates the device accepts arbitrary descriptor
	// layouts.
	FeatureAnyLayout = 1 << 27

	// FeatureIndirectDesc and FeatureEventIdx are virtio ring features.
	FeatureIndirectDesc = 1 << 28
	FeatureEventIdx     = 1 << 29

	// FeatureProtocolFeatures indicates a vhost-user backend supports the
	// protocol feature negotiation handshake. It is never exposed to the
	// guest.
	FeatureProtocolFeatures = 1 << 30

	// FeatureVersion1 indicates virtio 1.0 compliance.
	FeatureVersion1 = 1 << 32

	// FeatureAccessPlatform indicates the device honors platform DMA
	// constraints such as an IOMMU.
	FeatureAccessPlatform = 1 << 33

	// FeatureRingPacked indicates support for the packed virtqueue layout.
	FeatureRingPacked = 1 << 34
)

// VringAddrFlagLog, when set in VringAddrs.Flags, indicates the log address
// is valid and enables dirty logging for the ring.
const VringAddrFlagLog = 1 << 0

// MaxQueueSize is the largest ring size a virtqueue may be configured
// with. Ring sizes must be powers of two no greater than this.
const MaxQueueSize = 32768

// VringAddrs carries the three ring addresses of one virtqueue, plus the
// optional dirty-log address. Addresses are validated against the
// installed memory table before they are handed to a backend.
type VringAddrs struct {
	// Flags holds VringAddrFlag values.
	Flags uint32

	// DescAddr, UsedAddr, and AvailAddr locate the descriptor table, used
	// ring, and available ring.
	DescAddr  uint64
	UsedAddr  uint64
	AvailAddr uint64

	// LogAddr is the dirty-log offset for the used ring. Only meaningful
	// when Flags has VringAddrFlagLog set.
	LogAddr uint64
}

// A LogRegion describes the shared memory used for dirty-page logging
// during live migration. File backs the log; the receiver owns the mapping
// derived from it.
type LogRegion struct {
	Size   uint64
	Offset uint64
	File   *os.File
}

// A Backend is the capability contract implemented by every vhost backend
// flavor. A frontend driver issues the same calls with the same error
// semantics whether the backend is realized with kernel ioctls
// (vhostkern) or with the vhost-user protocol (vhostuser).
//
// Every operation is synchronous: it returns only once the underlying
// effect has been observed, either as ioctl completion or as a protocol
// reply. Apart from SetOwner and ResetOwner, operations fail until
// ownership has been claimed: protocol backends report ErrNoOwner before
// touching the wire, while the kernel backend surfaces the kernel's
// error.
type Backend interface {
	// GetFeatures returns the device feature bits the backend offers.
	GetFeatures() (uint64, error)

	// SetFeatures acknowledges device feature bits. The effective set is
	// the intersection of the requested bits and the bits the backend
	// offered. It fails with ErrInvalidOperation before GetFeatures has
	// been called, or after a queue has been enabled.
	SetFeatures(features uint64) error

	// SetOwner claims exclusive control of the backend. At most one owner
	// is permitted.
	SetOwner() error

	// ResetOwner releases control and resets all virtqueue state.
	ResetOwner() error

	// SetMemTable installs the shared memory description. It must be
	// called before any vring address is set.
	SetMemTable(table *MemoryTable) error

	// SetLogBase configures dirty-page logging. The region is nil unless
	// the backend negotiated shared-memory log support.
	SetLogBase(base uint64, region *LogRegion) error

	// SetVringNum sets the ring size of a queue. The size must be a
	// power of two no greater than MaxQueueSize.
	SetVringNum(index int, num uint16) error

	// SetVringAddr sets the ring addresses of a queue, validating each
	// against the installed memory table.
	SetVringAddr(index int, addrs *VringAddrs) error

	// SetVringBase seeds the next available index of a queue.
	SetVringBase(index int, base uint16) error

	// GetVringBase returns the last available index of a queue and stops
	// the ring.
	GetVringBase(index int) (uint16, error)

	// SetVringCall, SetVringKick, and SetVringErr wire the interrupt,
	// notification, and error eventfds of a queue. A nil file clears the
	// descriptor and switches the queue to polling mode.
	SetVringCall(index int, call *os.File) error
	SetVringKick(index int, kick *os.File) error
	SetVringErr(index int, errFile *os.File) error
}
