package vhostuser

import (
	"path/filepath"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestListenerAcceptDial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vhost-user.sock")

	l, err := Listen(path)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer l.Close()

	if got := l.Addr().String(); got != path {
		t.Fatalf("unexpected listener address: %q, want %q", got, path)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		e, err := l.Accept()
		if err != nil {
			return err
		}
		defer e.Close()

		m, err := e.Recv()
		if err != nil {
			return err
		}

		return e.Send(&Message{Kind: m.Kind, Flags: flagReply, Payload: u64Payload(0)})
	})

	e, err := Dial(path)
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}
	defer e.Close()

	if err := e.Send(&Message{Kind: KindGetFeatures}); err != nil {
		t.Fatalf("failed to send: %v", err)
	}

	r, err := e.Recv()
	if err != nil {
		t.Fatalf("failed to receive: %v", err)
	}
	if r.Kind != KindGetFeatures || !r.Reply() {
		t.Fatalf("unexpected reply: %s flags %#x", r.Kind, r.Flags)
	}

	if err := eg.Wait(); err != nil {
		t.Fatalf("accepting side failed: %v", err)
	}
}
