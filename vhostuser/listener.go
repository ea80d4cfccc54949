package vhostuser

import (
	"net"
	"time"
)

// A Listener accepts vhost-user control connections on a Unix domain
// socket. Listening is independent of protocol role: a master or a slave
// may be the accepting party.
type Listener struct {
	l *net.UnixListener
}

// Listen opens a control socket at path.
//
// When the Listener is no longer needed, Close must be called to free
// resources and remove the socket file.
func Listen(path string) (*Listener, error) {
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}

	return &Listener{l: l}, nil
}

// Accept waits for the next control connection and returns the endpoint
// for it.
func (l *Listener) Accept() (*Endpoint, error) {
	c, err := l.l.AcceptUnix()
	if err != nil {
		return nil, err
	}

	return NewEndpoint(c), nil
}

// Addr returns the listener's socket address.
func (l *Listener) Addr() net.Addr { return l.l.Addr() }

// Close stops listening and removes the socket file. Already accepted
// endpoints are not closed.
func (l *Listener) Close() error { return l.l.Close() }

// SetDeadline sets the deadline associated with the listener. A zero time
// value disables the deadline.
func (l *Listener) SetDeadline(t time.Time) error { return l.l.SetDeadline(t) }
