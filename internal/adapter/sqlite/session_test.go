package sqlite

import (
	"context"
	"testing"
	"time"

	"mirrord"

	"github.com/containerd/errdefs"
	"github.com/juju/clock/testclock"
)

func seededCatalog(t *testing.T) (*Catalog, *testclock.Clock) {
	t.Helper()
	cat, clk := openTestCatalog(t)
	ctx := context.Background()
	if err := cat.PutCluster(ctx, "site-a", "fsid-a"); err != nil {
		t.Fatalf("PutCluster: %v", err)
	}
	if err := cat.PutCluster(ctx, "site-b", "fsid-b"); err != nil {
		t.Fatalf("PutCluster: %v", err)
	}
	if err := cat.PutImage(ctx, "site-b", mirrord.ImageInfo{
		Key: mirrord.ImageKey{Pool: 1, Image: "vm-disk"}, Name: "vm-disk", Size: 1 << 30, Mirroring: true,
	}); err != nil {
		t.Fatalf("PutImage: %v", err)
	}
	return cat, clk
}

func TestSession_Lifecycle(t *testing.T) {
	cat, _ := seededCatalog(t)
	ctx := context.Background()

	s, err := Connector{Catalog: cat}.Open("client.mirror", "site-b")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.FSID(ctx); !errdefs.IsUnavailable(err) {
		t.Fatalf("FSID before Connect error = %v, want unavailable", err)
	}
	if err := s.ReadConfig("/etc/ceph/site-b.conf"); err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	fsid, err := s.FSID(ctx)
	if err != nil || fsid != "fsid-b" {
		t.Fatalf("FSID = %q, %v, want fsid-b", fsid, err)
	}
	images, err := s.ListMirroredImages(ctx)
	if err != nil {
		t.Fatalf("ListMirroredImages: %v", err)
	}
	if !images.Has(1, "vm-disk") || images.Len() != 1 {
		t.Fatalf("ListMirroredImages = %v", images.Keys())
	}
	info, err := s.StatImage(ctx, 1, "vm-disk")
	if err != nil {
		t.Fatalf("StatImage: %v", err)
	}
	if info.Size != 1<<30 || !info.Mirroring {
		t.Fatalf("StatImage = %+v", info)
	}
	if _, err := s.StatImage(ctx, 1, "gone"); !errdefs.IsNotFound(err) {
		t.Fatalf("StatImage(gone) error = %v, want not found", err)
	}

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if _, err := s.ListMirroredImages(ctx); !errdefs.IsUnavailable(err) {
		t.Fatalf("ListMirroredImages after Shutdown error = %v, want unavailable", err)
	}
}

func TestSession_ConnectUnknownCluster(t *testing.T) {
	cat, _ := seededCatalog(t)
	s, err := Connector{Catalog: cat}.Open("client.mirror", "site-z")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Connect(context.Background()); !errdefs.IsNotFound(err) {
		t.Fatalf("Connect error = %v, want not found", err)
	}
}

func TestConnector_NoCatalog(t *testing.T) {
	if _, err := (Connector{}).Open("client.mirror", "site-b"); !errdefs.IsFailedPrecondition(err) {
		t.Fatalf("Open error = %v, want failed precondition", err)
	}
}

func TestLocalCluster_Replicas(t *testing.T) {
	cat, clk := seededCatalog(t)
	ctx := context.Background()
	local := cat.Local("site-a")
	info := mirrord.ImageInfo{Key: mirrord.ImageKey{Pool: 1, Image: "vm-disk"}, Name: "vm-disk"}

	fsid, err := local.FSID(ctx)
	if err != nil || fsid != "fsid-a" {
		t.Fatalf("FSID = %q, %v, want fsid-a", fsid, err)
	}

	if err := local.EnsureReplica(ctx, "fsid-b", info); err != nil {
		t.Fatalf("EnsureReplica: %v", err)
	}
	if err := local.EnsureReplica(ctx, "fsid-b", info); err != nil {
		t.Fatalf("EnsureReplica again: %v", err)
	}
	if err := local.EnsureReplica(ctx, "fsid-c", info); !errdefs.IsConflict(err) {
		t.Fatalf("EnsureReplica by other peer error = %v, want conflict", err)
	}

	clk.Advance(time.Minute)
	if err := local.ReleaseReplica(ctx, "fsid-b", info.Key); err != nil {
		t.Fatalf("ReleaseReplica: %v", err)
	}
	if err := local.ReleaseReplica(ctx, "fsid-b", info.Key); !errdefs.IsNotFound(err) {
		t.Fatalf("second ReleaseReplica error = %v, want not found", err)
	}

	replicas, err := cat.Replicas(ctx, "site-a")
	if err != nil {
		t.Fatalf("Replicas: %v", err)
	}
	if len(replicas) != 1 {
		t.Fatalf("Replicas = %+v, want one row", replicas)
	}
	r := replicas[0]
	if r.Live() || r.PeerFSID != "fsid-b" {
		t.Fatalf("replica = %+v, want released by fsid-b", r)
	}
	if !r.AcquiredAt.Equal(testNow) || !r.ReleasedAt.Equal(testNow.Add(time.Minute)) {
		t.Fatalf("replica times = %v / %v", r.AcquiredAt, r.ReleasedAt)
	}

	// A released image can be taken over by another peer.
	if err := local.EnsureReplica(ctx, "fsid-c", info); err != nil {
		t.Fatalf("EnsureReplica after release: %v", err)
	}
}
