// Package imagereplayer mirrors a single image from a peer cluster into the
// local cluster.
package imagereplayer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"mirrord"

	"github.com/containerd/errdefs"
)

// releaseTimeout bounds ReleaseReplica during Stop, which has no caller
// context.
const releaseTimeout = 30 * time.Second

// Remote is the peer side of the replication.
type Remote interface {
	FSID(ctx context.Context) (string, error)
	StatImage(ctx context.Context, pool mirrord.PoolID, image mirrord.ImageID) (mirrord.ImageInfo, error)
}

// Local is the side replicas are created on.
type Local interface {
	EnsureReplica(ctx context.Context, peerFSID string, info mirrord.ImageInfo) error
	ReleaseReplica(ctx context.Context, peerFSID string, key mirrord.ImageKey) error
}

type State int

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Replayer keeps the local replica of one remote image.
type Replayer struct {
	local  Local
	remote Remote
	key    mirrord.ImageKey
	log    *slog.Logger

	mu       sync.Mutex
	state    State
	peerFSID string
}

type Option func(*Replayer)

func WithLogger(l *slog.Logger) Option {
	return func(r *Replayer) { r.log = l }
}

func New(local Local, remote Remote, pool mirrord.PoolID, image mirrord.ImageID, opts ...Option) *Replayer {
	r := &Replayer{
		local:  local,
		remote: remote,
		key:    mirrord.ImageKey{Pool: pool, Image: image},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		r.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r.log = r.log.With("pool", pool, "image", image)
	return r
}

func (r *Replayer) Key() mirrord.ImageKey {
	return r.key
}

func (r *Replayer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Start verifies the remote image is mirrored and ensures the local replica.
func (r *Replayer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning {
		return nil
	}

	info, err := r.remote.StatImage(ctx, r.key.Pool, r.key.Image)
	if err != nil {
		// Session errors already carry their errdefs class.
		return fmt.Errorf("stat remote image %s: %w", r.key, err)
	}
	if !info.Mirroring {
		return fmt.Errorf("remote image %s is not mirrored: %w", r.key, errdefs.ErrFailedPrecondition)
	}

	fsid, err := r.remote.FSID(ctx)
	if err != nil {
		return fmt.Errorf("read remote cluster uuid: %w", err)
	}
	if err := r.local.EnsureReplica(ctx, fsid, info); err != nil {
		return fmt.Errorf("ensure replica of %s: %w", r.key, err)
	}

	r.peerFSID = fsid
	r.state = StateRunning
	r.log.Debug("image replayer started", "name", info.Name)
	return nil
}

// Stop releases the local replica. Stopping a replayer that is not running
// is a no-op.
func (r *Replayer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	err := r.local.ReleaseReplica(ctx, r.peerFSID, r.key)
	r.state = StateStopped
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("release replica of %s: %w", r.key, err)
	}
	r.log.Debug("image replayer stopped")
	return nil
}
