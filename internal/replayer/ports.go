package replayer

import (
	"context"
	"time"

	"mirrord"
)

// Connector opens sessions to remote clusters.
type Connector interface {
	// Open creates an unconnected session for the given client identity and
	// cluster name.
	Open(connectionName, clusterName string) (RemoteSession, error)
}

// RemoteSession is a handle to a remote cluster. It becomes usable for
// queries once Connect has succeeded.
type RemoteSession interface {
	// ReadConfig loads the cluster configuration. An empty path means the
	// default search path.
	ReadConfig(path string) error
	Connect(ctx context.Context) error
	// FSID returns the cluster's unique identity.
	FSID(ctx context.Context) (string, error)
	// ListMirroredImages returns every image with mirroring enabled, by pool.
	ListMirroredImages(ctx context.Context) (mirrord.DesiredState, error)
	StatImage(ctx context.Context, pool mirrord.PoolID, image mirrord.ImageID) (mirrord.ImageInfo, error)
	Shutdown() error
}

// LocalCluster is the cluster images are mirrored into.
type LocalCluster interface {
	FSID(ctx context.Context) (string, error)
	EnsureReplica(ctx context.Context, peerFSID string, info mirrord.ImageInfo) error
	ReleaseReplica(ctx context.Context, peerFSID string, key mirrord.ImageKey) error
}

// Source yields the desired state, refreshed by its own schedule.
type Source interface {
	// CurrentImages returns the last refreshed desired state.
	CurrentImages() mirrord.DesiredState
	// ForceRefresh refreshes synchronously.
	ForceRefresh(ctx context.Context) error
}

// SourceFactory builds the Source bound to a connected remote session.
type SourceFactory func(remote RemoteSession, interval time.Duration) Source

// Worker replicates a single image. Start acquires whatever the worker needs
// and may be called again on a started worker. Stop is called exactly once,
// when the engine drops the worker.
type Worker interface {
	Start(ctx context.Context) error
	Stop() error
}

// WorkerFactory constructs an unstarted worker for one image.
type WorkerFactory func(local LocalCluster, remote RemoteSession, pool mirrord.PoolID, image mirrord.ImageID) Worker

// backgroundRefresher is implemented by sources that refresh on their own
// goroutine.
type backgroundRefresher interface {
	Start(ctx context.Context) error
	Stop() error
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(connectionName, clusterName string) (RemoteSession, error)

func (f ConnectorFunc) Open(connectionName, clusterName string) (RemoteSession, error) {
	return f(connectionName, clusterName)
}
