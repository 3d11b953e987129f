package transport

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	fi "github.com/rocketbitz/tf-pipeline/fi"
)

func testProvider(t *testing.T) string {
	provider := strings.TrimSpace(os.Getenv("LIBFABRIC_TEST_TRANSPORT_PROVIDER"))
	if provider == "" {
		provider = "sockets"
	}
	if strings.EqualFold(provider, "sockets") {
		if os.Getenv("FI_SOCKETS_IFACE") == "" {
			t.Setenv("FI_SOCKETS_IFACE", "lo0")
		}
	}
	return provider
}

func dialTestPeer(t *testing.T, role Role, componentID string) *Peer {
	t.Helper()
	provider := testProvider(t)
	regions := NewRegionRegistry()
	peer, err := Dial(Config{
		Provider:    provider,
		Timeout:     2 * time.Second,
		Role:        role,
		ComponentID: componentID,
		Regions:     regions,
	})
	if err != nil {
		t.Skipf("Dial skipped: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })
	return peer
}

func TestPeerSendRecvTaggedSync(t *testing.T) {
	a := dialTestPeer(t, RoleSender, "sender-a")
	b := dialTestPeer(t, RoleBuilder, "builder-b")

	bAddr, err := a.RegisterPeer(b.LocalAddress())
	if err != nil {
		t.Fatalf("RegisterPeer on a failed: %v", err)
	}
	if _, err := b.RegisterPeer(a.LocalAddress()); err != nil {
		t.Fatalf("RegisterPeer on b failed: %v", err)
	}

	payload := []byte("tf-fragment-meta")
	recvBuf := make([]byte, len(payload))

	recvErrCh := make(chan error, 1)
	go func() {
		msg, err := b.RecvTagged(context.Background(), 42, recvBuf)
		if err != nil {
			recvErrCh <- err
			return
		}
		if string(msg.Payload) != string(payload) {
			recvErrCh <- errString("payload mismatch")
			return
		}
		recvErrCh <- nil
	}()

	time.Sleep(20 * time.Millisecond)
	if err := a.SendTagged(context.Background(), bAddr, 42, payload); err != nil {
		t.Fatalf("SendTagged failed: %v", err)
	}

	select {
	case err := <-recvErrCh:
		if err != nil {
			t.Fatalf("RecvTagged failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RecvTagged did not complete")
	}
}

func TestPeerRMAGet(t *testing.T) {
	a := dialTestPeer(t, RoleSender, "sender-a")
	b := dialTestPeer(t, RoleBuilder, "builder-b")

	bAddr, err := a.RegisterPeer(b.LocalAddress())
	if err != nil {
		t.Fatalf("RegisterPeer on a failed: %v", err)
	}
	if _, err := b.RegisterPeer(a.LocalAddress()); err != nil {
		t.Fatalf("RegisterPeer on b failed: %v", err)
	}

	source := []byte("stf-fragment-bytes-0123456789")
	region, err := b.domain.RegisterMemory(source, fi.MRAccessRemoteRead)
	if err != nil {
		t.Skipf("RegisterMemory skipped: %v", err)
	}
	defer region.Close()
	b.Regions().PublishRegion(source, region)

	local := make([]byte, len(source))
	future := a.RMAGet(context.Background(), bAddr, local, 0, region.Key())
	n, err := future.Await(context.Background())
	if err != nil {
		t.Fatalf("RMAGet await failed: %v", err)
	}
	if n != len(source) {
		t.Fatalf("unexpected length: got %d want %d", n, len(source))
	}
	if string(local) != string(source) {
		t.Fatalf("payload mismatch: got %q want %q", string(local), string(source))
	}
}

func TestPeerPublishRegionRoundTrip(t *testing.T) {
	a := dialTestPeer(t, RoleSender, "sender-a")
	b := dialTestPeer(t, RoleBuilder, "builder-b")

	bAddr, err := a.RegisterPeer(b.LocalAddress())
	if err != nil {
		t.Fatalf("RegisterPeer on a failed: %v", err)
	}

	seed := []byte("published-fragment-bytes-0123456789")
	region, err := b.PublishRegion(seed, fi.MRAccessRemoteRead)
	if err != nil {
		t.Skipf("PublishRegion skipped: %v", err)
	}

	key, offset, ok := b.Regions().LookupLocal(region.Bytes())
	if !ok {
		t.Fatal("expected published region to resolve via LookupLocal")
	}
	if key != region.Key() || offset != 0 {
		t.Fatalf("unexpected local lookup: key=%d offset=%d", key, offset)
	}

	local := make([]byte, len(seed))
	future := a.RMAGet(context.Background(), bAddr, local, 0, key)
	n, err := future.Await(context.Background())
	if err != nil {
		t.Fatalf("RMAGet await failed: %v", err)
	}
	if n != len(seed) || string(local) != string(seed) {
		t.Fatalf("unexpected RMA read: got %q want %q", string(local), string(seed))
	}
}

func TestRegionRegistryPeerKeyCache(t *testing.T) {
	reg := NewRegionRegistry()
	reg.CachePeerKey("tf-1", "sender-a", 0x1000, 0x2000)
	senderID, remoteAddr, remoteKey, ok := reg.LookupPeerKey("tf-1")
	if !ok {
		t.Fatal("expected cached peer key to be found")
	}
	if senderID != "sender-a" || remoteAddr != 0x1000 || remoteKey != 0x2000 {
		t.Fatalf("unexpected cached values: %s %x %x", senderID, remoteAddr, remoteKey)
	}

	reg.Forget("sender-a")
	if _, _, _, ok := reg.LookupPeerKey("tf-1"); ok {
		t.Fatal("expected entry to be forgotten")
	}
}

type errString string

func (e errString) Error() string { return string(e) }
