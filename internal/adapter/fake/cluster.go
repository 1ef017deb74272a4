package fake

import (
	"context"
	"fmt"
	"sync"

	"mirrord"
	"mirrord/internal/adapter/fake/fault"

	"github.com/containerd/errdefs"
)

// ErrNotConnected is returned by session queries before Connect.
var ErrNotConnected = fmt.Errorf("session is not connected: %w", errdefs.ErrUnavailable)

// RemoteCluster is an in-memory remote cluster.
type RemoteCluster struct {
	Name   string
	Faults *fault.Injector

	mu     sync.Mutex
	fsid   string
	images map[mirrord.ImageKey]mirrord.ImageInfo
}

// NewRemoteCluster creates an empty cluster reporting fsid.
func NewRemoteCluster(name, fsid string) *RemoteCluster {
	return &RemoteCluster{
		Name:   name,
		Faults: fault.NewInjector(),
		fsid:   fsid,
		images: make(map[mirrord.ImageKey]mirrord.ImageInfo),
	}
}

// SetFSID changes the identity the cluster reports.
func (c *RemoteCluster) SetFSID(fsid string) {
	c.mu.Lock()
	c.fsid = fsid
	c.mu.Unlock()
}

// PutImage adds or replaces an image.
func (c *RemoteCluster) PutImage(pool mirrord.PoolID, image mirrord.ImageID, mirroring bool) {
	key := mirrord.ImageKey{Pool: pool, Image: image}
	c.mu.Lock()
	c.images[key] = mirrord.ImageInfo{Key: key, Name: string(image), Mirroring: mirroring}
	c.mu.Unlock()
}

// RemoveImage deletes an image.
func (c *RemoteCluster) RemoveImage(pool mirrord.PoolID, image mirrord.ImageID) {
	c.mu.Lock()
	delete(c.images, mirrord.ImageKey{Pool: pool, Image: image})
	c.mu.Unlock()
}

// SetDesired replaces every image with the pairs in d, all mirrored.
func (c *RemoteCluster) SetDesired(d mirrord.DesiredState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.images = make(map[mirrord.ImageKey]mirrord.ImageInfo, d.Len())
	for _, key := range d.Keys() {
		c.images[key] = mirrord.ImageInfo{Key: key, Name: string(key.Image), Mirroring: true}
	}
}

// Connector opens sessions against a set of named RemoteClusters.
type Connector struct {
	CallRecorder
	Faults *fault.Injector

	mu       sync.Mutex
	clusters map[string]*RemoteCluster
	sessions []*Session
}

func NewConnector(clusters ...*RemoteCluster) *Connector {
	c := &Connector{
		Faults:   fault.NewInjector(),
		clusters: make(map[string]*RemoteCluster, len(clusters)),
	}
	for _, cl := range clusters {
		c.clusters[cl.Name] = cl
	}
	return c
}

// Open returns a session for clusterName. Unknown clusters fail at Connect,
// not here.
func (c *Connector) Open(connectionName, clusterName string) (*Session, error) {
	c.record("Open", connectionName, clusterName)
	if err := c.Faults.Eval(fault.SessionOpen, connectionName, clusterName); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s := &Session{
		connector:      c,
		cluster:        c.clusters[clusterName],
		ConnectionName: connectionName,
		ClusterName:    clusterName,
	}
	c.sessions = append(c.sessions, s)
	return s, nil
}

// Sessions returns every session opened so far.
func (c *Connector) Sessions() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Session, len(c.sessions))
	copy(out, c.sessions)
	return out
}

// Session is a handle to one RemoteCluster.
type Session struct {
	CallRecorder
	ConnectionName string
	ClusterName    string

	connector *Connector
	cluster   *RemoteCluster

	mu        sync.Mutex
	connected bool
	shutdown  bool
}

func (s *Session) ReadConfig(path string) error {
	s.record("ReadConfig", path)
	return s.connector.Faults.Eval(fault.SessionReadConfig, s.ClusterName, path)
}

func (s *Session) Connect(ctx context.Context) error {
	s.record("Connect")
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.connector.Faults.Eval(fault.SessionConnect, s.ClusterName); err != nil {
		return err
	}
	if s.cluster == nil {
		return fmt.Errorf("cluster %q: %w", s.ClusterName, errdefs.ErrNotFound)
	}
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	return nil
}

func (s *Session) FSID(ctx context.Context) (string, error) {
	s.record("FSID")
	if err := s.ready(); err != nil {
		return "", err
	}
	if err := s.connector.Faults.Eval(fault.SessionFSID, s.ClusterName); err != nil {
		return "", err
	}
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	return s.cluster.fsid, nil
}

func (s *Session) ListMirroredImages(ctx context.Context) (mirrord.DesiredState, error) {
	s.record("ListMirroredImages")
	if err := s.ready(); err != nil {
		return nil, err
	}
	if err := s.connector.Faults.Eval(fault.SessionList, s.ClusterName); err != nil {
		return nil, err
	}
	if err := s.cluster.Faults.Eval(fault.SessionList); err != nil {
		return nil, err
	}

	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	out := make(mirrord.DesiredState)
	for key, info := range s.cluster.images {
		if info.Mirroring {
			out.Add(key.Pool, key.Image)
		}
	}
	return out, nil
}

func (s *Session) StatImage(ctx context.Context, pool mirrord.PoolID, image mirrord.ImageID) (mirrord.ImageInfo, error) {
	s.record("StatImage", pool, image)
	if err := s.ready(); err != nil {
		return mirrord.ImageInfo{}, err
	}
	if err := s.cluster.Faults.Eval(fault.SessionStat, pool, image); err != nil {
		return mirrord.ImageInfo{}, err
	}

	key := mirrord.ImageKey{Pool: pool, Image: image}
	s.cluster.mu.Lock()
	defer s.cluster.mu.Unlock()
	info, ok := s.cluster.images[key]
	if !ok {
		return mirrord.ImageInfo{}, fmt.Errorf("image %s: %w", key, errdefs.ErrNotFound)
	}
	return info, nil
}

func (s *Session) Shutdown() error {
	s.record("Shutdown")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.shutdown = true
	return nil
}

// IsShutdown reports whether Shutdown has been called.
func (s *Session) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Session) ready() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}
	return nil
}

// LocalCluster records replicas created for mirrored images.
type LocalCluster struct {
	CallRecorder
	Faults *fault.Injector

	mu       sync.Mutex
	fsid     string
	replicas map[mirrord.ImageKey]string
}

func NewLocalCluster(fsid string) *LocalCluster {
	return &LocalCluster{
		Faults:   fault.NewInjector(),
		fsid:     fsid,
		replicas: make(map[mirrord.ImageKey]string),
	}
}

func (l *LocalCluster) FSID(context.Context) (string, error) {
	return l.fsid, nil
}

func (l *LocalCluster) EnsureReplica(ctx context.Context, peerFSID string, info mirrord.ImageInfo) error {
	l.record("EnsureReplica", peerFSID, info.Key)
	if err := l.Faults.Eval(fault.LocalEnsure, info.Key); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if owner, ok := l.replicas[info.Key]; ok && owner != peerFSID {
		return fmt.Errorf("replica %s owned by peer %s: %w", info.Key, owner, errdefs.ErrConflict)
	}
	l.replicas[info.Key] = peerFSID
	return nil
}

func (l *LocalCluster) ReleaseReplica(ctx context.Context, peerFSID string, key mirrord.ImageKey) error {
	l.record("ReleaseReplica", peerFSID, key)
	if err := l.Faults.Eval(fault.LocalRelease, key); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.replicas[key]; !ok {
		return fmt.Errorf("replica %s: %w", key, errdefs.ErrNotFound)
	}
	delete(l.replicas, key)
	return nil
}

// Replicas returns the keys of all live replicas.
func (l *LocalCluster) Replicas() mirrord.DesiredState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(mirrord.DesiredState)
	for key := range l.replicas {
		out.Add(key.Pool, key.Image)
	}
	return out
}
