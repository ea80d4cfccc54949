// Package vsock drives the kernel vhost-vsock device, which carries
// VM sockets traffic between a guest and the host without a userspace
// data path.
//
// A Device is a vhostkern.Backend specialized for the vsock helper: in
// addition to the generic feature, memory and queue operations it
// assigns the guest's context ID and starts and stops the data path.
// The canonical bring-up order is Open, SetOwner, SetGuestCID,
// feature negotiation, SetMemTable, per-queue configuration, and
// finally Start.
//
// This package only functions on Linux.
package vsock
