// Package vhostuser implements the vhost-user control protocol over a
// Unix domain socket, letting a VMM delegate the data plane of a virtio
// device to a separate userspace process.
//
// The protocol defines two roles. The master owns and exposes the
// virtqueues and sends every configuration message; the slave consumes
// the virtqueues and replies. Independently, either side may be the
// connecting or the listening party on the socket: all four combinations
// are valid.
//
//   - Master drives a remote slave and implements vhost.Backend
//   - Handler runs the slave side, dispatching requests to a Device
//   - Endpoint carries framed messages with ancillary descriptor passing
//   - Listener and Dial bootstrap the control channel in either role
//
// The control plane is a synchronous, single-outstanding-request
// protocol: at most one request awaits its reply on a connection at any
// time, and replies arrive in request order. Operations that the
// protocol defines as fire-and-forget return as soon as the message is
// written, unless the reply-ack protocol feature was negotiated.
package vhostuser
