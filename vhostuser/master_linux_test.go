//go:build linux
// +build linux

package vhostuser

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/renzhengeek/vhost"
	"github.com/renzhengeek/vhost/internal/vhosttest"
	"golang.org/x/sync/errgroup"
)

func testMaster(t *testing.T, queues int) (*Master, *Endpoint) {
	t.Helper()

	local, remote := vhosttest.SocketPair(t)
	return NewMaster(NewEndpoint(local), queues), NewEndpoint(remote)
}

// expect services one request from the peer side, failing on any other
// kind.
func expect(peer *Endpoint, k Kind) (*Message, error) {
	m, err := peer.Recv()
	if err != nil {
		return nil, err
	}
	if m.Kind != k {
		m.CloseFiles()
		return nil, fmt.Errorf("peer expected %s, got %s", k, m.Kind)
	}

	return m, nil
}

func reply(peer *Endpoint, k Kind, payload []byte) error {
	return peer.Send(&Message{Kind: k, Flags: flagReply, Payload: payload})
}

// ack answers a request's acknowledgement demand, if it made one.
func ack(peer *Endpoint, m *Message, status uint64) error {
	if !m.NeedReply() {
		return nil
	}

	flags := uint32(flagReply)
	if status != 0 {
		flags |= flagError
	}
	return peer.Send(&Message{Kind: m.Kind, Flags: flags, Payload: u64Payload(status)})
}

// serveHandshake services ownership and feature negotiation from the
// peer side, offering the given feature sets.
func serveHandshake(peer *Endpoint, features, protocol uint64) error {
	if _, err := expect(peer, KindSetOwner); err != nil {
		return err
	}
	if _, err := expect(peer, KindGetFeatures); err != nil {
		return err
	}
	if err := reply(peer, KindGetFeatures, u64Payload(features)); err != nil {
		return err
	}
	if _, err := expect(peer, KindSetFeatures); err != nil {
		return err
	}

	if features&vhost.FeatureProtocolFeatures == 0 {
		return nil
	}

	if _, err := expect(peer, KindGetProtocolFeatures); err != nil {
		return err
	}
	if err := reply(peer, KindGetProtocolFeatures, u64Payload(protocol)); err != nil {
		return err
	}
	if _, err := expect(peer, KindSetProtocolFeatures); err != nil {
		return err
	}

	return nil
}

// handshake drives the master side of negotiation, acknowledging every
// offered bit.
func handshake(t *testing.T, m *Master, protocol bool) {
	t.Helper()

	if err := m.SetOwner(); err != nil {
		t.Fatalf("failed to set owner: %v", err)
	}

	features, err := m.GetFeatures()
	if err != nil {
		t.Fatalf("failed to get features: %v", err)
	}
	if err := m.SetFeatures(features); err != nil {
		t.Fatalf("failed to set features: %v", err)
	}

	if !protocol {
		return
	}

	pf, err := m.GetProtocolFeatures()
	if err != nil {
		t.Fatalf("failed to get protocol features: %v", err)
	}
	if err := m.SetProtocolFeatures(pf); err != nil {
		t.Fatalf("failed to set protocol features: %v", err)
	}
}

func TestMasterOwnership(t *testing.T) {
	m, _ := testMaster(t, 1)

	if _, err := m.GetFeatures(); !errors.Is(err, vhost.ErrNoOwner) {
		t.Fatalf("unexpected error before ownership: %v", err)
	}

	if err := m.SetOwner(); err != nil {
		t.Fatalf("failed to set owner: %v", err)
	}
	if err := m.SetOwner(); !errors.Is(err, vhost.ErrAlreadyOwned) {
		t.Fatalf("unexpected error for second claim: %v", err)
	}
}

func TestMasterSetFeaturesBeforeGet(t *testing.T) {
	m, _ := testMaster(t, 1)

	if err := m.SetOwner(); err != nil {
		t.Fatalf("failed to set owner: %v", err)
	}
	if err := m.SetFeatures(0); !errors.Is(err, vhost.ErrInvalidOperation) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMasterHandshake(t *testing.T) {
	m, peer := testMaster(t, 2)

	const (
		features = vhost.FeatureVersion1 | vhost.FeatureProtocolFeatures | vhost.FeatureIndirectDesc
		protocol = ProtocolFeatureMQ | ProtocolFeatureReplyAck | ProtocolFeatureConfig
	)

	var ackedFeatures, ackedProtocol uint64

	var eg errgroup.Group
	eg.Go(func() error {
		if _, err := expect(peer, KindSetOwner); err != nil {
			return err
		}
		if _, err := expect(peer, KindGetFeatures); err != nil {
			return err
		}
		if err := reply(peer, KindGetFeatures, u64Payload(features)); err != nil {
			return err
		}

		sf, err := expect(peer, KindSetFeatures)
		if err != nil {
			return err
		}
		if ackedFeatures, err = parseU64(sf.Payload); err != nil {
			return err
		}

		if _, err := expect(peer, KindGetProtocolFeatures); err != nil {
			return err
		}
		if err := reply(peer, KindGetProtocolFeatures, u64Payload(protocol)); err != nil {
			return err
		}

		spf, err := expect(peer, KindSetProtocolFeatures)
		if err != nil {
			return err
		}
		ackedProtocol, err = parseU64(spf.Payload)
		return err
	})

	if err := m.SetOwner(); err != nil {
		t.Fatalf("failed to set owner: %v", err)
	}
	got, err := m.GetFeatures()
	if err != nil {
		t.Fatalf("failed to get features: %v", err)
	}
	if got != features {
		t.Fatalf("unexpected features: %#x, want %#x", got, features)
	}

	// Ask for a superset; only the advertised bits may go on the wire.
	if err := m.SetFeatures(features | vhost.FeatureRingPacked); err != nil {
		t.Fatalf("failed to set features: %v", err)
	}

	gotProto, err := m.GetProtocolFeatures()
	if err != nil {
		t.Fatalf("failed to get protocol features: %v", err)
	}
	if gotProto != protocol {
		t.Fatalf("unexpected protocol features: %#x, want %#x", gotProto, protocol)
	}
	if err := m.SetProtocolFeatures(ProtocolFeatureMQ | ProtocolFeatureConfig | ProtocolFeatureBackendReq); err != nil {
		t.Fatalf("failed to set protocol features: %v", err)
	}

	if err := eg.Wait(); err != nil {
		t.Fatalf("peer failed: %v", err)
	}

	if ackedFeatures != features {
		t.Fatalf("unexpected features on the wire: %#x, want %#x", ackedFeatures, features)
	}
	if want := uint64(ProtocolFeatureMQ | ProtocolFeatureConfig); ackedProtocol != want {
		t.Fatalf("unexpected protocol features on the wire: %#x, want %#x", ackedProtocol, want)
	}

	acked, ok := m.AckedProtocolFeatures()
	if !ok {
		t.Fatal("protocol features were not negotiated")
	}
	if want := uint64(ProtocolFeatureMQ | ProtocolFeatureConfig); acked != want {
		t.Fatalf("unexpected negotiated set: %#x, want %#x", acked, want)
	}
}

func TestMasterMemTableAndVringAddr(t *testing.T) {
	m, peer := testMaster(t, 1)

	backing, err := os.CreateTemp(t.TempDir(), "guest")
	if err != nil {
		t.Fatalf("failed to create backing file: %v", err)
	}
	defer backing.Close()

	table := &vhost.MemoryTable{
		Regions: []vhost.MemoryRegion{{
			GuestPhysAddr: 0,
			Size:          0x100000,
			UserspaceAddr: 0x7f0000000000,
			File:          backing,
		}},
	}

	var (
		gotRegions []vhost.MemoryRegion
		gotFiles   int
	)

	var eg errgroup.Group
	eg.Go(func() error {
		if err := serveHandshake(peer, vhost.FeatureVersion1, 0); err != nil {
			return err
		}

		mt, err := expect(peer, KindSetMemTable)
		if err != nil {
			return err
		}
		defer mt.CloseFiles()
		gotFiles = len(mt.Files)
		if gotRegions, err = parseMemTable(mt.Payload); err != nil {
			return err
		}

		_, err = expect(peer, KindSetVringAddr)
		return err
	})

	handshake(t, m, false)

	if err := m.SetMemTable(table); err != nil {
		t.Fatalf("failed to set memory table: %v", err)
	}

	// In range of the only region.
	ok := &vhost.VringAddrs{DescAddr: 0x1000, UsedAddr: 0x2000, AvailAddr: 0x3000}
	if err := m.SetVringAddr(0, ok); err != nil {
		t.Fatalf("failed to set ring addresses: %v", err)
	}

	// Past the end of guest memory; rejected locally.
	bad := &vhost.VringAddrs{DescAddr: 0x200000, UsedAddr: 0x2000, AvailAddr: 0x3000}
	if err := m.SetVringAddr(0, bad); !errors.Is(err, vhost.ErrDescriptorTableAddress) {
		t.Fatalf("unexpected error for out of range ring: %v", err)
	}

	if err := eg.Wait(); err != nil {
		t.Fatalf("peer failed: %v", err)
	}

	if gotFiles != 1 {
		t.Fatalf("unexpected descriptor count with table: %d, want 1", gotFiles)
	}

	want := table.Regions
	want[0].File = nil
	if diff := cmp.Diff(want, gotRegions); diff != "" {
		t.Fatalf("unexpected regions on the wire (-want +got):\n%s", diff)
	}
}

func TestMasterVringEnable(t *testing.T) {
	m, peer := testMaster(t, 2)

	backing, err := os.CreateTemp(t.TempDir(), "guest")
	if err != nil {
		t.Fatalf("failed to create backing file: %v", err)
	}
	defer backing.Close()

	var eg errgroup.Group
	eg.Go(func() error {
		if err := serveHandshake(peer, vhost.FeatureVersion1|vhost.FeatureProtocolFeatures, ProtocolFeatureMQ); err != nil {
			return err
		}
		if _, err := expect(peer, KindSetVringNum); err != nil {
			return err
		}

		mt, err := expect(peer, KindSetMemTable)
		if err != nil {
			return err
		}
		mt.CloseFiles()
		if _, err := expect(peer, KindSetVringAddr); err != nil {
			return err
		}

		// Cleared descriptors travel as the no-descriptor payload bit,
		// never as ancillary data.
		for _, k := range []Kind{KindSetVringKick, KindSetVringCall} {
			r, err := expect(peer, k)
			if err != nil {
				return err
			}
			v, err := parseU64(r.Payload)
			if err != nil {
				return err
			}
			if v&nofdMask == 0 {
				return fmt.Errorf("%s payload %#x lacks the no-descriptor bit", k, v)
			}
			if len(r.Files) != 0 {
				r.CloseFiles()
				return fmt.Errorf("%s carried %d descriptors", k, len(r.Files))
			}
		}

		_, err = expect(peer, KindSetVringEnable)
		return err
	})

	handshake(t, m, true)

	if err := m.SetVringNum(0, 256); err != nil {
		t.Fatalf("failed to set ring size: %v", err)
	}

	// Ring addresses and notification descriptors are still missing, so
	// the queue must refuse to start.
	if err := m.SetVringEnable(0, true); !errors.Is(err, vhost.ErrInvalidQueue) {
		t.Fatalf("unexpected error enabling incomplete queue: %v", err)
	}

	if err := m.SetVringEnable(2, true); !errors.Is(err, vhost.ErrInvalidQueue) {
		t.Fatalf("unexpected error for out of range index: %v", err)
	}

	// Finish configuring queue 0, clearing both notification descriptors.
	// A queue in polling mode is fully configured and may be enabled.
	table := &vhost.MemoryTable{
		Regions: []vhost.MemoryRegion{{
			GuestPhysAddr: 0,
			Size:          0x100000,
			UserspaceAddr: 0x7f0000000000,
			File:          backing,
		}},
	}
	if err := m.SetMemTable(table); err != nil {
		t.Fatalf("failed to set memory table: %v", err)
	}
	if err := m.SetVringAddr(0, &vhost.VringAddrs{DescAddr: 0x1000, UsedAddr: 0x2000, AvailAddr: 0x3000}); err != nil {
		t.Fatalf("failed to set ring addresses: %v", err)
	}
	if err := m.SetVringKick(0, nil); err != nil {
		t.Fatalf("failed to clear kick descriptor: %v", err)
	}
	if err := m.SetVringCall(0, nil); err != nil {
		t.Fatalf("failed to clear call descriptor: %v", err)
	}

	if err := m.SetVringEnable(0, true); err != nil {
		t.Fatalf("failed to enable polling mode queue: %v", err)
	}

	if err := eg.Wait(); err != nil {
		t.Fatalf("peer failed: %v", err)
	}
}

func TestMasterVringEnableUnnegotiated(t *testing.T) {
	m, peer := testMaster(t, 1)

	var eg errgroup.Group
	eg.Go(func() error {
		return serveHandshake(peer, vhost.FeatureVersion1, 0)
	})

	handshake(t, m, false)

	if err := eg.Wait(); err != nil {
		t.Fatalf("peer failed: %v", err)
	}

	if err := m.SetVringEnable(0, true); !errors.Is(err, ErrUnnegotiatedFeature) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMasterReplyAck(t *testing.T) {
	m, peer := testMaster(t, 1)

	var eg errgroup.Group
	eg.Go(func() error {
		if err := serveHandshake(peer, vhost.FeatureVersion1|vhost.FeatureProtocolFeatures, ProtocolFeatureReplyAck); err != nil {
			return err
		}

		// First request succeeds, second fails on the device, third
		// succeeds again: a failed request must not kill the session.
		for i, status := range []uint64{0, 1, 0} {
			r, err := expect(peer, KindSetVringBase)
			if err != nil {
				return err
			}
			if !r.NeedReply() {
				return fmt.Errorf("request %d did not demand an acknowledgement", i)
			}
			if err := ack(peer, r, status); err != nil {
				return err
			}
		}

		return nil
	})

	handshake(t, m, true)

	if err := m.SetVringBase(0, 1); err != nil {
		t.Fatalf("failed to set ring base: %v", err)
	}
	if err := m.SetVringBase(0, 2); !errors.Is(err, ErrReplyError) {
		t.Fatalf("unexpected error for rejected request: %v", err)
	}
	if err := m.SetVringBase(0, 3); err != nil {
		t.Fatalf("failed to set ring base after rejection: %v", err)
	}

	if err := eg.Wait(); err != nil {
		t.Fatalf("peer failed: %v", err)
	}
}

func TestMasterReplyErrorFlag(t *testing.T) {
	m, peer := testMaster(t, 1)

	var eg errgroup.Group
	eg.Go(func() error {
		if err := serveHandshake(peer, vhost.FeatureVersion1, 0); err != nil {
			return err
		}

		if _, err := expect(peer, KindGetVringBase); err != nil {
			return err
		}
		if err := peer.Send(&Message{
			Kind:    KindGetVringBase,
			Flags:   flagReply | flagError,
			Payload: vringStatePayload(0, 0),
		}); err != nil {
			return err
		}

		if _, err := expect(peer, KindGetVringBase); err != nil {
			return err
		}
		return reply(peer, KindGetVringBase, vringStatePayload(0, 42))
	})

	handshake(t, m, false)

	if _, err := m.GetVringBase(0); !errors.Is(err, ErrReplyError) {
		t.Fatalf("unexpected error for failed request: %v", err)
	}

	// An error reply reports failure of one request; the connection
	// itself stays up.
	base, err := m.GetVringBase(0)
	if err != nil {
		t.Fatalf("failed to get ring base after rejection: %v", err)
	}
	if base != 42 {
		t.Fatalf("unexpected ring base: %d, want 42", base)
	}

	if err := eg.Wait(); err != nil {
		t.Fatalf("peer failed: %v", err)
	}
}

func TestMasterInvalidReply(t *testing.T) {
	m, peer := testMaster(t, 1)

	var eg errgroup.Group
	eg.Go(func() error {
		if _, err := expect(peer, KindSetOwner); err != nil {
			return err
		}
		if _, err := expect(peer, KindGetFeatures); err != nil {
			return err
		}
		// Answer with the wrong kind.
		return reply(peer, KindSetOwner, u64Payload(0))
	})

	if err := m.SetOwner(); err != nil {
		t.Fatalf("failed to set owner: %v", err)
	}

	if _, err := m.GetFeatures(); !errors.Is(err, ErrInvalidReply) {
		t.Fatalf("unexpected error: %v", err)
	}

	// A mismatched reply means the stream can no longer be trusted.
	if _, err := m.GetFeatures(); !errors.Is(err, ErrClosed) {
		t.Fatalf("unexpected error after poisoned stream: %v", err)
	}

	if err := eg.Wait(); err != nil {
		t.Fatalf("peer failed: %v", err)
	}
}

func TestMasterPeerDeath(t *testing.T) {
	m, peer := testMaster(t, 1)

	var eg errgroup.Group
	eg.Go(func() error {
		if _, err := expect(peer, KindSetOwner); err != nil {
			return err
		}
		if _, err := expect(peer, KindGetFeatures); err != nil {
			return err
		}
		return peer.Close()
	})

	if err := m.SetOwner(); err != nil {
		t.Fatalf("failed to set owner: %v", err)
	}

	if _, err := m.GetFeatures(); err == nil {
		t.Fatal("expected an error, but none occurred")
	}
	if _, err := m.GetFeatures(); !errors.Is(err, ErrClosed) {
		t.Fatalf("unexpected error after peer death: %v", err)
	}

	if err := eg.Wait(); err != nil {
		t.Fatalf("peer failed: %v", err)
	}
}
