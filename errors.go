package vhost

import "errors"

// Errors shared by every backend flavor. Validation and ownership errors
// leave the backend usable; callers can correct the input and retry.
// Backends wrap these with fmt.Errorf("%w: ...") to add detail, so they
// should be matched with errors.Is.
var (
	// ErrInvalidOperation is returned when an operation is issued in a
	// state that does not permit it, such as setting features before
	// querying them, or configuring a vring before a memory table has
	// been installed.
	ErrInvalidOperation = errors.New("vhost: invalid operation for current state")

	// ErrInvalidGuestMemory is returned when a memory table as a whole is
	// unusable: empty, oversized, or containing overlapping regions.
	ErrInvalidGuestMemory = errors.New("vhost: invalid guest memory table")

	// ErrInvalidGuestMemoryRegion is returned when a single region of a
	// memory table fails validation.
	ErrInvalidGuestMemoryRegion = errors.New("vhost: invalid guest memory region")

	// ErrInvalidQueue is returned for an out-of-range queue index, a ring
	// size that is not a power of two, or an attempt to enable a queue
	// whose required configuration is incomplete.
	ErrInvalidQueue = errors.New("vhost: invalid virtqueue")

	// ErrDescriptorTableAddress, ErrAvailAddress, and ErrUsedAddress are
	// returned when the corresponding ring address is not covered by the
	// installed memory table.
	ErrDescriptorTableAddress = errors.New("vhost: invalid descriptor table address")
	ErrAvailAddress           = errors.New("vhost: invalid available ring address")
	ErrUsedAddress            = errors.New("vhost: invalid used ring address")

	// ErrLogAddress is returned when a dirty-log region is malformed.
	ErrLogAddress = errors.New("vhost: invalid log address")

	// ErrNoOwner is returned when an operation requires ownership of the
	// backend but SetOwner has not been called.
	ErrNoOwner = errors.New("vhost: backend has no owner")

	// ErrAlreadyOwned is returned by SetOwner when the backend already
	// has an owner.
	ErrAlreadyOwned = errors.New("vhost: backend already has an owner")
)
