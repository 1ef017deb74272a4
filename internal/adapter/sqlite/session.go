package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"mirrord"
	"mirrord/internal/replayer"

	"github.com/containerd/errdefs"
)

var errNotConnected = fmt.Errorf("session is not connected: %w", errdefs.ErrUnavailable)

// Connector opens sessions to clusters held in Catalog.
type Connector struct {
	Catalog *Catalog
}

var _ replayer.Connector = Connector{}

func (c Connector) Open(connectionName, clusterName string) (replayer.RemoteSession, error) {
	if c.Catalog == nil {
		return nil, fmt.Errorf("open session: catalog is not configured: %w", errdefs.ErrFailedPrecondition)
	}
	return &Session{catalog: c.Catalog, connection: connectionName, cluster: clusterName}, nil
}

// Session is a connection to one catalog cluster as a given client.
type Session struct {
	catalog    *Catalog
	connection string
	cluster    string

	mu        sync.Mutex
	connected bool
}

var _ replayer.RemoteSession = (*Session)(nil)

// ReadConfig checks that the catalog behind the session can be reached.
// The catalog carries no per-client config, so path is not read.
func (s *Session) ReadConfig(path string) error {
	if err := s.catalog.db.PingContext(context.Background()); err != nil {
		return fmt.Errorf("reach catalog %s: %w", s.catalog.Path(), errors.Join(err, errdefs.ErrUnavailable))
	}
	return nil
}

func (s *Session) Connect(ctx context.Context) error {
	if _, err := s.catalog.Cluster(ctx, s.cluster); err != nil {
		return fmt.Errorf("connect as %s: %w", s.connection, err)
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return errNotConnected
	}
	return nil
}

func (s *Session) FSID(ctx context.Context) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	cl, err := s.catalog.Cluster(ctx, s.cluster)
	if err != nil {
		return "", err
	}
	return cl.FSID, nil
}

func (s *Session) ListMirroredImages(ctx context.Context) (mirrord.DesiredState, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	return s.catalog.mirrored(ctx, s.cluster)
}

func (s *Session) StatImage(ctx context.Context, pool mirrord.PoolID, image mirrord.ImageID) (mirrord.ImageInfo, error) {
	if err := s.ready(); err != nil {
		return mirrord.ImageInfo{}, err
	}
	return s.catalog.image(ctx, s.cluster, mirrord.ImageKey{Pool: pool, Image: image})
}

func (s *Session) Shutdown() error {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
	return nil
}

// LocalCluster is the receiving side of the mirror.
type LocalCluster struct {
	catalog *Catalog
	cluster string
}

var _ replayer.LocalCluster = (*LocalCluster)(nil)

func (c *Catalog) Local(cluster string) *LocalCluster {
	return &LocalCluster{catalog: c, cluster: cluster}
}

func (l *LocalCluster) Name() string {
	return l.cluster
}

func (l *LocalCluster) FSID(ctx context.Context) (string, error) {
	cl, err := l.catalog.Cluster(ctx, l.cluster)
	if err != nil {
		return "", err
	}
	return cl.FSID, nil
}

// EnsureReplica records a live replica of info owned by peerFSID. It is a
// no-op when the peer already holds it and a conflict when another peer does.
func (l *LocalCluster) EnsureReplica(ctx context.Context, peerFSID string, info mirrord.ImageInfo) error {
	tx, err := l.catalog.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replica transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var owner string
	err = tx.QueryRowContext(ctx,
		`SELECT peer_fsid FROM replicas
		 WHERE cluster = ? AND pool_id = ? AND image_id = ? AND released_at IS NULL`,
		l.cluster, int64(info.Key.Pool), string(info.Key.Image),
	).Scan(&owner)
	switch {
	case err == nil && owner == peerFSID:
		return nil
	case err == nil:
		return fmt.Errorf("replica %s owned by peer %s: %w", info.Key, owner, errdefs.ErrConflict)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("query replica %s: %w", info.Key, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO replicas (cluster, pool_id, image_id, peer_fsid, acquired_at) VALUES (?, ?, ?, ?, ?)`,
		l.cluster, int64(info.Key.Pool), string(info.Key.Image), peerFSID, l.catalog.now(),
	); err != nil {
		return fmt.Errorf("insert replica %s: %w", info.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replica %s: %w", info.Key, err)
	}
	return nil
}

func (l *LocalCluster) ReleaseReplica(ctx context.Context, peerFSID string, key mirrord.ImageKey) error {
	res, err := l.catalog.db.ExecContext(ctx,
		`UPDATE replicas SET released_at = ?
		 WHERE cluster = ? AND pool_id = ? AND image_id = ? AND peer_fsid = ? AND released_at IS NULL`,
		l.catalog.now(), l.cluster, int64(key.Pool), string(key.Image), peerFSID,
	)
	if err != nil {
		return fmt.Errorf("release replica %s: %w", key, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("replica %s: %w", key, errdefs.ErrNotFound)
	}
	return nil
}
