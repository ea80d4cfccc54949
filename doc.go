// Package vhost provides control-plane access to vhost backends: kernel
// helpers driven by ioctls on a vhost device file, and userspace backends
// driven by the vhost-user protocol over a Unix domain socket.
//
// A vhost backend owns the data plane of a virtio device while the caller
// (typically a VMM) retains configuration, notification, and interrupt
// signaling. This package defines the capability contract shared by every
// backend flavor:
//
//   - Backend is the set of control operations a frontend driver may issue
//   - MemoryTable and MemoryRegion describe the shared guest memory a
//     backend needs to translate guest-physical addresses
//   - VringAddrs and LogRegion carry per-virtqueue and dirty-log setup
//
// Concrete implementations live in the vhostkern package (kernel ioctl
// backend), the vhostuser package (socket protocol backend), and the vsock
// package (the vhost-vsock device specialization).
package vhost
