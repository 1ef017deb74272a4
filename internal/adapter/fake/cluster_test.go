package fake

import (
	"context"
	"errors"
	"testing"

	"mirrord"
	"mirrord/internal/adapter/fake/fault"

	"github.com/containerd/errdefs"
	"github.com/google/go-cmp/cmp"
)

func TestSessionRequiresConnect(t *testing.T) {
	ctx := context.Background()
	remote := NewRemoteCluster("site-b", "fsid-b")
	remote.PutImage(1, "vm-1", true)
	remote.PutImage(1, "vm-2", false)
	conn := NewConnector(remote)

	s, err := conn.Open("client.mirror", "site-b")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s.ListMirroredImages(ctx); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("ListMirroredImages() before Connect error = %v, want ErrNotConnected", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	images, err := s.ListMirroredImages(ctx)
	if err != nil {
		t.Fatalf("ListMirroredImages() error = %v", err)
	}
	if diff := cmp.Diff([]mirrord.ImageKey{{Pool: 1, Image: "vm-1"}}, images.Keys()); diff != "" {
		t.Fatalf("ListMirroredImages() mismatch (-want +got):\n%s", diff)
	}

	if err := s.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if !s.IsShutdown() {
		t.Fatal("IsShutdown() = false after Shutdown")
	}
	if diff := cmp.Diff([]string{"Connect", "ListMirroredImages", "ListMirroredImages", "Shutdown"}, s.Methods()); diff != "" {
		t.Fatalf("Methods() mismatch (-want +got):\n%s", diff)
	}
	if len(conn.Sessions()) != 1 {
		t.Fatalf("Sessions() = %d, want 1", len(conn.Sessions()))
	}
}

func TestSessionUnknownClusterFailsAtConnect(t *testing.T) {
	s, err := NewConnector().Open("client.mirror", "nowhere")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Connect(context.Background()); !errdefs.IsNotFound(err) {
		t.Fatalf("Connect() error = %v, want not found", err)
	}
}

func TestLocalClusterReplicaOwnership(t *testing.T) {
	ctx := context.Background()
	local := NewLocalCluster("fsid-a")
	info := mirrord.ImageInfo{Key: mirrord.ImageKey{Pool: 1, Image: "vm-1"}}

	if err := local.EnsureReplica(ctx, "fsid-b", info); err != nil {
		t.Fatalf("EnsureReplica() error = %v", err)
	}
	if err := local.EnsureReplica(ctx, "fsid-c", info); !errdefs.IsConflict(err) {
		t.Fatalf("EnsureReplica() by other peer error = %v, want conflict", err)
	}
	if !local.Replicas().Has(1, "vm-1") {
		t.Fatal("replica missing after EnsureReplica")
	}

	if err := local.ReleaseReplica(ctx, "fsid-b", info.Key); err != nil {
		t.Fatalf("ReleaseReplica() error = %v", err)
	}
	if err := local.ReleaseReplica(ctx, "fsid-b", info.Key); !errdefs.IsNotFound(err) {
		t.Fatalf("second ReleaseReplica() error = %v, want not found", err)
	}

	local.Faults.FailOnce(fault.LocalEnsure, errdefs.ErrUnavailable)
	if err := local.EnsureReplica(ctx, "fsid-b", info); !errdefs.IsUnavailable(err) {
		t.Fatalf("EnsureReplica() with fault error = %v, want unavailable", err)
	}
	if local.Replicas().Len() != 0 {
		t.Fatalf("Replicas() = %v, want none", local.Replicas().Keys())
	}
}
