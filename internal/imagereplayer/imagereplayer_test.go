package imagereplayer

import (
	"context"
	"errors"
	"testing"

	"mirrord"
	"mirrord/internal/adapter/fake"
	"mirrord/internal/adapter/fake/fault"

	"github.com/containerd/errdefs"
)

const peerFSID = "7d2a1f7e-3c41-4a8e-9b1e-0f6c2d4e5a11"

func connectedSession(t *testing.T, remote *fake.RemoteCluster) *fake.Session {
	t.Helper()
	conn := fake.NewConnector(remote)
	s, err := conn.Open("client.mirror", remote.Name)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return s
}

func TestStartEnsuresReplica(t *testing.T) {
	remote := fake.NewRemoteCluster("site-b", peerFSID)
	remote.PutImage(3, "vm-disk", true)
	local := fake.NewLocalCluster("local")

	r := New(local, connectedSession(t, remote), 3, "vm-disk")
	if r.State() != StateStopped {
		t.Fatalf("State() = %v, want stopped", r.State())
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if r.State() != StateRunning {
		t.Fatalf("State() = %v, want running", r.State())
	}
	if !local.Replicas().Has(3, "vm-disk") {
		t.Fatal("replica not created")
	}
	calls := local.Calls("EnsureReplica")
	if len(calls) != 1 || calls[0].Args[0] != peerFSID {
		t.Fatalf("EnsureReplica calls = %+v, want one for %s", calls, peerFSID)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	remote := fake.NewRemoteCluster("site-b", peerFSID)
	remote.PutImage(3, "vm-disk", true)
	local := fake.NewLocalCluster("local")
	session := connectedSession(t, remote)

	r := New(local, session, 3, "vm-disk")
	for range 3 {
		if err := r.Start(context.Background()); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	}
	if got := local.Count("EnsureReplica"); got != 1 {
		t.Fatalf("EnsureReplica calls = %d, want 1", got)
	}
	if got := session.Count("StatImage"); got != 1 {
		t.Fatalf("StatImage calls = %d, want 1", got)
	}
}

func TestStartClassifiesFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*fake.RemoteCluster, *fake.LocalCluster)
		is    func(error) bool
	}{
		{
			name:  "missing image",
			setup: func(*fake.RemoteCluster, *fake.LocalCluster) {},
			is:    errdefs.IsNotFound,
		},
		{
			name: "mirroring disabled",
			setup: func(rc *fake.RemoteCluster, _ *fake.LocalCluster) {
				rc.PutImage(3, "vm-disk", false)
			},
			is: errdefs.IsFailedPrecondition,
		},
		{
			name: "replica owned by another peer",
			setup: func(rc *fake.RemoteCluster, lc *fake.LocalCluster) {
				rc.PutImage(3, "vm-disk", true)
				info := mirrord.ImageInfo{Key: mirrord.ImageKey{Pool: 3, Image: "vm-disk"}}
				if err := lc.EnsureReplica(context.Background(), "other-peer", info); err != nil {
					panic(err)
				}
			},
			is: errdefs.IsConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			remote := fake.NewRemoteCluster("site-b", peerFSID)
			local := fake.NewLocalCluster("local")
			tt.setup(remote, local)

			r := New(local, connectedSession(t, remote), 3, "vm-disk")
			err := r.Start(context.Background())
			if err == nil || !tt.is(err) {
				t.Fatalf("Start() error = %v, wrong class", err)
			}
			if r.State() != StateStopped {
				t.Fatalf("State() = %v after failed start, want stopped", r.State())
			}
		})
	}
}

func TestStopReleasesReplica(t *testing.T) {
	remote := fake.NewRemoteCluster("site-b", peerFSID)
	remote.PutImage(3, "vm-disk", true)
	local := fake.NewLocalCluster("local")

	r := New(local, connectedSession(t, remote), 3, "vm-disk")
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if r.State() != StateStopped {
		t.Fatalf("State() = %v, want stopped", r.State())
	}
	if local.Replicas().Len() != 0 {
		t.Fatalf("replicas left: %v", local.Replicas().Keys())
	}
	if got := local.Count("ReleaseReplica"); got != 1 {
		t.Fatalf("ReleaseReplica calls = %d, want 1", got)
	}
}

func TestStopWithoutStartTouchesNothing(t *testing.T) {
	local := fake.NewLocalCluster("local")
	r := New(local, connectedSession(t, fake.NewRemoteCluster("site-b", peerFSID)), 1, "a")
	if err := r.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if calls := local.Methods(); len(calls) != 0 {
		t.Fatalf("local calls = %v, want none", calls)
	}
}

func TestStopReportsReleaseFailure(t *testing.T) {
	remote := fake.NewRemoteCluster("site-b", peerFSID)
	remote.PutImage(1, "a", true)
	local := fake.NewLocalCluster("local")

	r := New(local, connectedSession(t, remote), 1, "a")
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	boom := errors.New("osd down")
	local.Faults.FailOnce(fault.LocalRelease, boom)
	if err := r.Stop(); !errors.Is(err, boom) {
		t.Fatalf("Stop() error = %v, want %v", err, boom)
	}
	// The replayer is dropped regardless; a later Stop is a no-op.
	if err := r.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}

func TestStateString(t *testing.T) {
	if StateRunning.String() != "running" || StateStopped.String() != "stopped" {
		t.Fatalf("unexpected state names %q %q", StateRunning, StateStopped)
	}
	if got := State(9).String(); got != "State(9)" {
		t.Fatalf("State(9).String() = %q", got)
	}
}
