// Package vhostkern drives in-kernel vhost helpers through ioctls on a
// vhost device file such as /dev/vhost-net or /dev/vhost-vsock.
//
// Backend implements the same vhost.Backend contract as the vhost-user
// protocol engine, so frontend drivers are agnostic to which flavor they
// configure. Kernel errors surface as wrapped syscall errors.
package vhostkern
