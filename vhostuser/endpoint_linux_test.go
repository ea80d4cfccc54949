//go:build linux
// +build linux

package vhostuser

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/renzhengeek/vhost/internal/vhosttest"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func testEndpoints(t *testing.T) (*Endpoint, *Endpoint) {
	t.Helper()

	local, remote := vhosttest.SocketPair(t)
	return NewEndpoint(local), NewEndpoint(remote)
}

func TestEndpointSendRecv(t *testing.T) {
	local, remote := testEndpoints(t)

	want := &Message{
		Kind:    KindSetVringAddr,
		Payload: bytes.Repeat([]byte{0xa5}, vringAddrSize),
	}

	var eg errgroup.Group
	eg.Go(func() error { return local.Send(want) })

	got, err := remote.Recv()
	if err != nil {
		t.Fatalf("failed to receive: %v", err)
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	if got.Kind != want.Kind {
		t.Fatalf("unexpected kind: %s, want %s", got.Kind, want.Kind)
	}
	if got.Flags&versionMask != version1 {
		t.Fatalf("unexpected version bits: %#x", got.Flags)
	}
	if diff := cmp.Diff(want.Payload, got.Payload); diff != "" {
		t.Fatalf("unexpected payload (-want +got):\n%s", diff)
	}
	if len(got.Files) != 0 {
		t.Fatalf("unexpected descriptors: %d", len(got.Files))
	}
}

func TestEndpointDescriptorTransfer(t *testing.T) {
	local, remote := testEndpoints(t)

	efd := vhosttest.Eventfd(t)

	var eg errgroup.Group
	eg.Go(func() error {
		return local.Send(&Message{
			Kind:    KindSetVringKick,
			Payload: u64Payload(0),
			Files:   []*os.File{efd},
		})
	})

	got, err := remote.Recv()
	if err != nil {
		t.Fatalf("failed to receive: %v", err)
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	if len(got.Files) != 1 {
		t.Fatalf("unexpected descriptor count: %d, want 1", len(got.Files))
	}
	defer got.CloseFiles()

	// The received descriptor must refer to the same eventfd object: a
	// write through the original is observable through the copy.
	if _, err := efd.Write([]byte{1, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("failed to write eventfd: %v", err)
	}

	b := make([]byte, 8)
	if _, err := got.Files[0].Read(b); err != nil {
		t.Fatalf("failed to read transferred eventfd: %v", err)
	}
	if count := order.Uint64(b); count != 1 {
		t.Fatalf("unexpected eventfd count: %d, want 1", count)
	}
}

func TestEndpointOversizedSend(t *testing.T) {
	local, _ := testEndpoints(t)

	err := local.Send(&Message{
		Kind:    KindSetConfig,
		Payload: make([]byte, maxPayloadSize+1),
	})
	if !errors.Is(err, ErrOversizedMessage) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEndpointRecvTruncatedDescriptors(t *testing.T) {
	localConn, remote := vhosttest.SocketPair(t)
	local := NewEndpoint(localConn)

	f, err := os.Open(os.DevNull)
	if err != nil {
		t.Fatalf("failed to open file: %v", err)
	}
	defer f.Close()

	// More descriptors than the receive buffer can hold, written past the
	// sender-side limit so the kernel truncates the ancillary data.
	fds := make([]int, 40)
	for i := range fds {
		fds[i] = int(f.Fd())
	}

	hdr := make([]byte, headerSize)
	order.PutUint32(hdr[0:4], uint32(KindSetMemTable))
	order.PutUint32(hdr[4:8], version1)

	var eg errgroup.Group
	eg.Go(func() error {
		_, _, err := remote.WriteMsgUnix(hdr, unix.UnixRights(fds...), nil)
		return err
	})

	if _, err := local.Recv(); !errors.Is(err, ErrDescriptorMismatch) {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("failed to write raw message: %v", err)
	}
}

func TestEndpointRecvBadHeader(t *testing.T) {
	tests := []struct {
		name string
		hdr  func() []byte
		err  error
	}{
		{
			name: "oversized payload claim",
			hdr: func() []byte {
				b := make([]byte, headerSize)
				order.PutUint32(b[0:4], uint32(KindGetFeatures))
				order.PutUint32(b[4:8], version1)
				order.PutUint32(b[8:12], maxPayloadSize+1)
				return b
			},
			err: ErrOversizedMessage,
		},
		{
			name: "wrong version",
			hdr: func() []byte {
				b := make([]byte, headerSize)
				order.PutUint32(b[0:4], uint32(KindGetFeatures))
				order.PutUint32(b[4:8], 0x2)
				return b
			},
			err: ErrInvalidMessage,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			localConn, remote := vhosttest.SocketPair(t)
			local := NewEndpoint(localConn)

			var eg errgroup.Group
			eg.Go(func() error {
				_, err := remote.Write(tt.hdr())
				return err
			})

			_, err := local.Recv()
			if !errors.Is(err, tt.err) {
				t.Fatalf("unexpected error: %v, want %v", err, tt.err)
			}
			if err := eg.Wait(); err != nil {
				t.Fatalf("failed to write raw header: %v", err)
			}
		})
	}
}
