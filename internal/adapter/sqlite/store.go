// Package sqlite is a lab catalog of clusters, pools and images backed by a
// single SQLite file. It stands in for real storage clusters on both sides
// of the mirror.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mirrord"

	"github.com/containerd/errdefs"
	"github.com/juju/clock"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS clusters (
	name TEXT PRIMARY KEY,
	fsid TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS images (
	cluster TEXT NOT NULL,
	pool_id INTEGER NOT NULL,
	image_id TEXT NOT NULL,
	name TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	mirroring INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (cluster, pool_id, image_id)
);
CREATE TABLE IF NOT EXISTS replicas (
	cluster TEXT NOT NULL,
	pool_id INTEGER NOT NULL,
	image_id TEXT NOT NULL,
	peer_fsid TEXT NOT NULL,
	acquired_at TEXT NOT NULL,
	released_at TEXT
);
CREATE INDEX IF NOT EXISTS replicas_live ON replicas (cluster, pool_id, image_id) WHERE released_at IS NULL;`

// Cluster is a catalog row.
type Cluster struct {
	Name string
	FSID string
}

// Replica records one replica acquisition. ReleasedAt is zero while the
// replica is held.
type Replica struct {
	Key        mirrord.ImageKey
	PeerFSID   string
	AcquiredAt time.Time
	ReleasedAt time.Time
}

func (r Replica) Live() bool {
	return r.ReleasedAt.IsZero()
}

type Catalog struct {
	db    *sql.DB
	path  string
	clock clock.Clock
}

type Option func(*Catalog)

func WithClock(c clock.Clock) Option {
	return func(cat *Catalog) { cat.clock = c }
}

func Open(path string, opts ...Option) (*Catalog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create catalog directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set catalog db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set catalog db busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize catalog schema: %w", err)
	}

	c := &Catalog{db: db, path: path, clock: clock.WallClock}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Catalog) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Path returns the database file the catalog was opened from.
func (c *Catalog) Path() string {
	return c.path
}

func (c *Catalog) now() string {
	return c.clock.Now().UTC().Format(time.RFC3339Nano)
}

func (c *Catalog) PutCluster(ctx context.Context, name, fsid string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("cluster name is required: %w", errdefs.ErrInvalidArgument)
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO clusters (name, fsid, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
		 fsid = excluded.fsid,
		 updated_at = excluded.updated_at`,
		name, fsid, c.now(),
	)
	if err != nil {
		return fmt.Errorf("save cluster %q: %w", name, err)
	}
	return nil
}

func (c *Catalog) Cluster(ctx context.Context, name string) (Cluster, error) {
	var fsid string
	err := c.db.QueryRowContext(ctx, `SELECT fsid FROM clusters WHERE name = ?`, name).Scan(&fsid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Cluster{}, fmt.Errorf("cluster %q: %w", name, errdefs.ErrNotFound)
		}
		return Cluster{}, fmt.Errorf("query cluster %q: %w", name, err)
	}
	return Cluster{Name: name, FSID: fsid}, nil
}

func (c *Catalog) Clusters(ctx context.Context) ([]Cluster, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name, fsid FROM clusters ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list clusters: %w", err)
	}
	defer rows.Close()

	out := make([]Cluster, 0)
	for rows.Next() {
		var cl Cluster
		if err := rows.Scan(&cl.Name, &cl.FSID); err != nil {
			return nil, fmt.Errorf("scan cluster row: %w", err)
		}
		out = append(out, cl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cluster rows: %w", err)
	}
	return out, nil
}

// PutImage adds or replaces an image. The cluster must exist.
func (c *Catalog) PutImage(ctx context.Context, cluster string, info mirrord.ImageInfo) error {
	if _, err := c.Cluster(ctx, cluster); err != nil {
		return err
	}
	if info.Key.Image == "" {
		return fmt.Errorf("image id is required: %w", errdefs.ErrInvalidArgument)
	}
	name := info.Name
	if name == "" {
		name = string(info.Key.Image)
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO images (cluster, pool_id, image_id, name, size, mirroring)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cluster, pool_id, image_id) DO UPDATE SET
		 name = excluded.name,
		 size = excluded.size,
		 mirroring = excluded.mirroring`,
		cluster, int64(info.Key.Pool), string(info.Key.Image), name, int64(info.Size), boolInt(info.Mirroring),
	)
	if err != nil {
		return fmt.Errorf("save image %s in %q: %w", info.Key, cluster, err)
	}
	return nil
}

func (c *Catalog) SetMirroring(ctx context.Context, cluster string, key mirrord.ImageKey, enabled bool) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE images SET mirroring = ? WHERE cluster = ? AND pool_id = ? AND image_id = ?`,
		boolInt(enabled), cluster, int64(key.Pool), string(key.Image),
	)
	if err != nil {
		return fmt.Errorf("set mirroring for %s in %q: %w", key, cluster, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("image %s in %q: %w", key, cluster, errdefs.ErrNotFound)
	}
	return nil
}

func (c *Catalog) DeleteImage(ctx context.Context, cluster string, key mirrord.ImageKey) error {
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM images WHERE cluster = ? AND pool_id = ? AND image_id = ?`,
		cluster, int64(key.Pool), string(key.Image),
	); err != nil {
		return fmt.Errorf("delete image %s in %q: %w", key, cluster, err)
	}
	return nil
}

// Images lists every image of cluster ordered by pool and id.
func (c *Catalog) Images(ctx context.Context, cluster string) ([]mirrord.ImageInfo, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT pool_id, image_id, name, size, mirroring FROM images WHERE cluster = ? ORDER BY pool_id, image_id`,
		cluster,
	)
	if err != nil {
		return nil, fmt.Errorf("list images of %q: %w", cluster, err)
	}
	defer rows.Close()

	out := make([]mirrord.ImageInfo, 0)
	for rows.Next() {
		info, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate image rows: %w", err)
	}
	return out, nil
}

func (c *Catalog) image(ctx context.Context, cluster string, key mirrord.ImageKey) (mirrord.ImageInfo, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT pool_id, image_id, name, size, mirroring FROM images WHERE cluster = ? AND pool_id = ? AND image_id = ?`,
		cluster, int64(key.Pool), string(key.Image),
	)
	info, err := scanImage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mirrord.ImageInfo{}, fmt.Errorf("image %s in %q: %w", key, cluster, errdefs.ErrNotFound)
		}
		return mirrord.ImageInfo{}, err
	}
	return info, nil
}

func (c *Catalog) mirrored(ctx context.Context, cluster string) (mirrord.DesiredState, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT pool_id, image_id FROM images WHERE cluster = ? AND mirroring = 1`, cluster)
	if err != nil {
		return nil, fmt.Errorf("list mirrored images of %q: %w", cluster, err)
	}
	defer rows.Close()

	out := make(mirrord.DesiredState)
	for rows.Next() {
		var pool int64
		var image string
		if err := rows.Scan(&pool, &image); err != nil {
			return nil, fmt.Errorf("scan mirrored image row: %w", err)
		}
		out.Add(mirrord.PoolID(pool), mirrord.ImageID(image))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mirrored image rows: %w", err)
	}
	return out, nil
}

// Replicas lists every replica acquisition on cluster, oldest first.
func (c *Catalog) Replicas(ctx context.Context, cluster string) ([]Replica, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT pool_id, image_id, peer_fsid, acquired_at, released_at FROM replicas
		 WHERE cluster = ? ORDER BY rowid`, cluster)
	if err != nil {
		return nil, fmt.Errorf("list replicas of %q: %w", cluster, err)
	}
	defer rows.Close()

	out := make([]Replica, 0)
	for rows.Next() {
		var (
			pool       int64
			image      string
			r          Replica
			acquiredAt string
			releasedAt sql.NullString
		)
		if err := rows.Scan(&pool, &image, &r.PeerFSID, &acquiredAt, &releasedAt); err != nil {
			return nil, fmt.Errorf("scan replica row: %w", err)
		}
		r.Key = mirrord.ImageKey{Pool: mirrord.PoolID(pool), Image: mirrord.ImageID(image)}
		if r.AcquiredAt, err = time.Parse(time.RFC3339Nano, acquiredAt); err != nil {
			return nil, fmt.Errorf("parse replica acquired_at: %w", err)
		}
		if releasedAt.Valid {
			if r.ReleasedAt, err = time.Parse(time.RFC3339Nano, releasedAt.String); err != nil {
				return nil, fmt.Errorf("parse replica released_at: %w", err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate replica rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (mirrord.ImageInfo, error) {
	var (
		pool      int64
		image     string
		size      int64
		mirroring int
		info      mirrord.ImageInfo
	)
	if err := row.Scan(&pool, &image, &info.Name, &size, &mirroring); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mirrord.ImageInfo{}, err
		}
		return mirrord.ImageInfo{}, fmt.Errorf("scan image row: %w", err)
	}
	info.Key = mirrord.ImageKey{Pool: mirrord.PoolID(pool), Image: mirrord.ImageID(image)}
	info.Size = uint64(size)
	info.Mirroring = mirroring != 0
	return info, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
