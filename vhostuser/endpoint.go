package vhostuser

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// An Endpoint is one end of a vhost-user control channel: a byte stream
// that can carry open file descriptors as ancillary data alongside each
// message. Either protocol role may sit on either end, and either end may
// have been the connecting or the accepting party.
//
// An Endpoint is not safe for concurrent use. The protocol permits a
// single outstanding request per connection, so callers serialize access
// through Master or Handler.
type Endpoint struct {
	c *net.UnixConn

	// Debug enables logging of every message sent and received.
	Debug bool
}

// NewEndpoint wraps an established Unix domain stream connection.
func NewEndpoint(c *net.UnixConn) *Endpoint {
	return &Endpoint{c: c}
}

// Dial connects to the control socket at path and returns the endpoint
// for it.
func Dial(path string) (*Endpoint, error) {
	c, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}

	return NewEndpoint(c), nil
}

// Close closes the channel. Descriptors previously transferred through
// the endpoint are unaffected; their ownership already moved.
func (e *Endpoint) Close() error { return e.c.Close() }

// SetDeadline bounds all channel I/O issued after the call. A zero time
// removes the bound. An expired deadline surfaces as a channel error on
// the blocked operation, indistinguishable from peer death.
func (e *Endpoint) SetDeadline(t time.Time) error { return e.c.SetDeadline(t) }

// Send transmits one message. The descriptors in m.Files travel as
// ancillary data with the header and payload; the caller keeps ownership
// of them and may close its copies once Send returns.
func (e *Endpoint) Send(m *Message) error {
	if len(m.Payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d byte payload", ErrOversizedMessage, len(m.Payload))
	}
	if len(m.Files) > maxRegions {
		return fmt.Errorf("%w: %d descriptors", ErrDescriptorMismatch, len(m.Files))
	}

	b := make([]byte, headerSize+len(m.Payload))
	order.PutUint32(b[0:4], uint32(m.Kind))
	order.PutUint32(b[4:8], m.Flags|version1)
	order.PutUint32(b[8:12], uint32(len(m.Payload)))
	copy(b[headerSize:], m.Payload)

	var oob []byte
	if len(m.Files) > 0 {
		fds := make([]int, len(m.Files))
		for i, f := range m.Files {
			fds[i] = int(f.Fd())
		}
		oob = unix.UnixRights(fds...)
	}

	n, _, err := e.c.WriteMsgUnix(b, oob, nil)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrPartialMessage, n, len(b))
	}

	if e.Debug {
		log.Printf("vhost-user: tx %s flags %#x (%d bytes, %d fds)",
			m.Kind, m.Flags, len(m.Payload), len(m.Files))
	}

	return nil
}

// Recv reads one message. Any descriptors that arrived with it are
// wrapped in *os.File values on the returned message; ownership of those
// files moves to the caller, which must close them or hand them off.
func (e *Endpoint) Recv() (*Message, error) {
	var (
		hdr [headerSize]byte
		oob [128]byte
	)

	n, oobn, recvflags, _, err := e.c.ReadMsgUnix(hdr[:], oob[:])
	if err != nil {
		return nil, err
	}
	if n < headerSize {
		return nil, fmt.Errorf("%w: %d byte header", ErrPartialMessage, n)
	}

	// The peer attached more descriptors than one message may carry.
	// Close whatever did arrive before failing; the rest never left the
	// kernel.
	if recvflags&unix.MSG_CTRUNC != 0 {
		if files, err := parseRights(oob[:oobn]); err == nil {
			for _, f := range files {
				_ = f.Close()
			}
		}
		return nil, fmt.Errorf("%w: truncated descriptor data", ErrDescriptorMismatch)
	}

	files, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, err
	}

	m := &Message{
		Kind:  Kind(order.Uint32(hdr[0:4])),
		Flags: order.Uint32(hdr[4:8]),
		Files: files,
	}

	size := order.Uint32(hdr[8:12])
	if size > maxPayloadSize {
		m.CloseFiles()
		return nil, fmt.Errorf("%w: header claims %d byte payload", ErrOversizedMessage, size)
	}

	if m.Flags&versionMask != version1 {
		m.CloseFiles()
		return nil, fmt.Errorf("%w: version %d", ErrInvalidMessage, m.Flags&versionMask)
	}

	if size > 0 {
		m.Payload = make([]byte, size)
		if _, err := io.ReadFull(e.c, m.Payload); err != nil {
			m.CloseFiles()
			return nil, err
		}
	}

	if e.Debug {
		log.Printf("vhost-user: rx %s flags %#x (%d bytes, %d fds)",
			m.Kind, m.Flags, len(m.Payload), len(m.Files))
	}

	return m, nil
}

// parseRights extracts the descriptors from the ancillary data of one
// receive, in arrival order.
func parseRights(oob []byte) ([]*os.File, error) {
	if len(oob) == 0 {
		return nil, nil
	}

	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	var files []*os.File
	for _, scm := range scms {
		fds, err := unix.ParseUnixRights(&scm)
		if err != nil {
			for _, f := range files {
				_ = f.Close()
			}
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}

		for _, fd := range fds {
			files = append(files, os.NewFile(uintptr(fd), "vhost-user"))
		}
	}

	return files, nil
}
