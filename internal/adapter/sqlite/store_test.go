package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mirrord"

	"github.com/containerd/errdefs"
	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock/testclock"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestCatalog(t *testing.T) (*Catalog, *testclock.Clock) {
	t.Helper()
	clk := testclock.NewClock(testNow)
	cat, err := Open(filepath.Join(t.TempDir(), "nested", "catalog.db"), WithClock(clk))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat, clk
}

func img(pool mirrord.PoolID, image mirrord.ImageID, mirroring bool) mirrord.ImageInfo {
	return mirrord.ImageInfo{Key: mirrord.ImageKey{Pool: pool, Image: image}, Mirroring: mirroring}
}

func TestCatalog_Clusters(t *testing.T) {
	cat, _ := openTestCatalog(t)
	ctx := context.Background()

	if err := cat.PutCluster(ctx, "site-b", "fsid-1"); err != nil {
		t.Fatalf("PutCluster: %v", err)
	}
	if err := cat.PutCluster(ctx, "site-a", "fsid-a"); err != nil {
		t.Fatalf("PutCluster: %v", err)
	}
	// Upsert replaces the fsid.
	if err := cat.PutCluster(ctx, "site-b", "fsid-2"); err != nil {
		t.Fatalf("PutCluster: %v", err)
	}

	got, err := cat.Clusters(ctx)
	if err != nil {
		t.Fatalf("Clusters: %v", err)
	}
	want := []Cluster{{Name: "site-a", FSID: "fsid-a"}, {Name: "site-b", FSID: "fsid-2"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Clusters mismatch (-want +got):\n%s", diff)
	}

	if _, err := cat.Cluster(ctx, "nope"); !errdefs.IsNotFound(err) {
		t.Fatalf("Cluster(nope) error = %v, want not found", err)
	}
	if err := cat.PutCluster(ctx, "  ", "x"); !errdefs.IsInvalidArgument(err) {
		t.Fatalf("PutCluster(blank) error = %v, want invalid argument", err)
	}
}

func TestCatalog_Images(t *testing.T) {
	cat, _ := openTestCatalog(t)
	ctx := context.Background()

	if err := cat.PutImage(ctx, "site-b", img(1, "a", true)); !errdefs.IsNotFound(err) {
		t.Fatalf("PutImage on unknown cluster error = %v, want not found", err)
	}
	if err := cat.PutCluster(ctx, "site-b", "fsid-b"); err != nil {
		t.Fatalf("PutCluster: %v", err)
	}
	for _, info := range []mirrord.ImageInfo{img(2, "c", true), img(1, "b", false), img(1, "a", true)} {
		if err := cat.PutImage(ctx, "site-b", info); err != nil {
			t.Fatalf("PutImage(%s): %v", info.Key, err)
		}
	}

	got, err := cat.Images(ctx, "site-b")
	if err != nil {
		t.Fatalf("Images: %v", err)
	}
	want := []mirrord.ImageInfo{
		{Key: mirrord.ImageKey{Pool: 1, Image: "a"}, Name: "a", Mirroring: true},
		{Key: mirrord.ImageKey{Pool: 1, Image: "b"}, Name: "b"},
		{Key: mirrord.ImageKey{Pool: 2, Image: "c"}, Name: "c", Mirroring: true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Images mismatch (-want +got):\n%s", diff)
	}

	mirrored, err := cat.mirrored(ctx, "site-b")
	if err != nil {
		t.Fatalf("mirrored: %v", err)
	}
	if diff := cmp.Diff([]mirrord.ImageKey{{Pool: 1, Image: "a"}, {Pool: 2, Image: "c"}}, mirrored.Keys()); diff != "" {
		t.Fatalf("mirrored mismatch (-want +got):\n%s", diff)
	}

	if err := cat.SetMirroring(ctx, "site-b", mirrord.ImageKey{Pool: 1, Image: "a"}, false); err != nil {
		t.Fatalf("SetMirroring: %v", err)
	}
	if err := cat.SetMirroring(ctx, "site-b", mirrord.ImageKey{Pool: 9, Image: "x"}, true); !errdefs.IsNotFound(err) {
		t.Fatalf("SetMirroring(missing) error = %v, want not found", err)
	}
	if err := cat.DeleteImage(ctx, "site-b", mirrord.ImageKey{Pool: 2, Image: "c"}); err != nil {
		t.Fatalf("DeleteImage: %v", err)
	}
	mirrored, err = cat.mirrored(ctx, "site-b")
	if err != nil {
		t.Fatalf("mirrored: %v", err)
	}
	if mirrored.Len() != 0 {
		t.Fatalf("mirrored = %v, want none", mirrored.Keys())
	}
}

func TestCatalog_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	ctx := context.Background()

	cat, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cat.PutCluster(ctx, "site-b", "fsid-b"); err != nil {
		t.Fatalf("PutCluster: %v", err)
	}
	if err := cat.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	cat, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer cat.Close()
	cl, err := cat.Cluster(ctx, "site-b")
	if err != nil {
		t.Fatalf("Cluster: %v", err)
	}
	if cl.FSID != "fsid-b" {
		t.Errorf("FSID = %q, want fsid-b", cl.FSID)
	}
}

func TestCatalog_CloseNil(t *testing.T) {
	var cat *Catalog
	if err := cat.Close(); err != nil {
		t.Fatalf("Close on nil catalog: %v", err)
	}
}
