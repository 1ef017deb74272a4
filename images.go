package mirrord

import (
	"cmp"
	"slices"
	"strconv"
)

// PoolID identifies a pool within a cluster.
type PoolID int64

func (p PoolID) String() string {
	return strconv.FormatInt(int64(p), 10)
}

// ImageID identifies an image within a pool.
type ImageID string

// ImageKey is one (pool, image) pair.
type ImageKey struct {
	Pool  PoolID
	Image ImageID
}

func (k ImageKey) String() string {
	return k.Pool.String() + "/" + string(k.Image)
}

// CompareImageKeys orders keys by pool, then image.
func CompareImageKeys(a, b ImageKey) int {
	if c := cmp.Compare(a.Pool, b.Pool); c != 0 {
		return c
	}
	return cmp.Compare(a.Image, b.Image)
}

// ImageSet is a set of image ids.
type ImageSet map[ImageID]struct{}

// NewImageSet builds a set from ids.
func NewImageSet(ids ...ImageID) ImageSet {
	s := make(ImageSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

// Has reports whether id is in the set.
func (s ImageSet) Has(id ImageID) bool {
	_, ok := s[id]
	return ok
}

// DesiredState maps each pool to the images in it that should be mirrored.
// A pool present with an empty set is distinct from an absent pool only for
// display; both mean no image of that pool is wanted.
type DesiredState map[PoolID]ImageSet

// Add inserts the pair, creating the pool entry if needed.
func (d DesiredState) Add(pool PoolID, image ImageID) {
	set, ok := d[pool]
	if !ok {
		set = make(ImageSet)
		d[pool] = set
	}
	set[image] = struct{}{}
}

// Has reports whether the pair is desired.
func (d DesiredState) Has(pool PoolID, image ImageID) bool {
	return d[pool].Has(image)
}

// Len returns the number of (pool, image) pairs.
func (d DesiredState) Len() int {
	n := 0
	for _, set := range d {
		n += len(set)
	}
	return n
}

// Keys returns every pair, sorted.
func (d DesiredState) Keys() []ImageKey {
	keys := make([]ImageKey, 0, d.Len())
	for pool, set := range d {
		for image := range set {
			keys = append(keys, ImageKey{Pool: pool, Image: image})
		}
	}
	slices.SortFunc(keys, CompareImageKeys)
	return keys
}

// Clone returns a deep copy. Clone of a nil state is an empty state.
func (d DesiredState) Clone() DesiredState {
	out := make(DesiredState, len(d))
	for pool, set := range d {
		cp := make(ImageSet, len(set))
		for image := range set {
			cp[image] = struct{}{}
		}
		out[pool] = cp
	}
	return out
}

// Equal reports whether both states hold the same pairs.
func (d DesiredState) Equal(other DesiredState) bool {
	return slices.Equal(d.Keys(), other.Keys())
}

// ImageInfo describes an image as reported by its cluster.
type ImageInfo struct {
	Key       ImageKey
	Name      string
	Size      uint64
	Mirroring bool
}
