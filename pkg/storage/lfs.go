package storage

import (
	"sort"

	"github.com/cuemby/wrenchgo/pkg/failure"
	"github.com/cuemby/wrenchgo/pkg/types"
)

// EvictionPolicy selects what a LogicalFileSystem does when a reservation
// does not fit.
type EvictionPolicy string

const (
	// EvictNone fails the reservation outright.
	EvictNone EvictionPolicy = "NONE"
	// EvictLRU evicts evictable files in ascending last-read order until
	// the reservation fits or no evictable file remains.
	EvictLRU EvictionPolicy = "LRU"
)

// DevNull designates the sink LFS: infinite capacity, no state retained.
const DevNull = "/dev/null"

// FileMeta is the per-file metadata a LogicalFileSystem tracks.
type FileMeta struct {
	File          *types.File
	Size          float64
	LastWriteDate float64
	LastReadDate  float64
	PinnedCount   int
}

// LogicalFileSystem tracks the files stored under one mount point of one
// storage service, against a fixed total capacity. At all times
// stored + reserved + free == total and free >= 0.
type LogicalFileSystem struct {
	MountPoint string
	Policy     EvictionPolicy

	total    float64
	free     float64
	reserved float64

	sink bool

	// dirs maps directory path -> file id -> metadata.
	dirs map[string]map[string]*FileMeta
}

// NewLFS creates a logical file system. A mount point of /dev/null yields
// the sink variant regardless of capacity and policy.
func NewLFS(mountPoint string, capacity float64, policy EvictionPolicy) *LogicalFileSystem {
	mp := types.CanonicalPath(mountPoint)
	l := &LogicalFileSystem{
		MountPoint: mp,
		Policy:     policy,
		total:      capacity,
		free:       capacity,
		sink:       mp == DevNull,
		dirs:       make(map[string]map[string]*FileMeta),
	}
	return l
}

// IsSink reports whether this is the /dev/null LFS.
func (l *LogicalFileSystem) IsSink() bool { return l.sink }

// FreeSpace returns the unreserved, unoccupied capacity.
func (l *LogicalFileSystem) FreeSpace() float64 { return l.free }

// TotalCapacity returns the fixed capacity.
func (l *LogicalFileSystem) TotalCapacity() float64 { return l.total }

// ReservedSpace returns the sum of outstanding reservation segments.
func (l *LogicalFileSystem) ReservedSpace() float64 { return l.reserved }

// StoredBytes returns the sum of stored file sizes.
func (l *LogicalFileSystem) StoredBytes() float64 {
	var sum float64
	for _, files := range l.dirs {
		for _, m := range files {
			sum += m.Size
		}
	}
	return sum
}

// Reserve claims size bytes ahead of a write, evicting under the LRU policy
// when needed. Evictions follow each file's LastReadDate; now is not used.
func (l *LogicalFileSystem) Reserve(size, now float64) *failure.Cause {
	if l.sink {
		return nil
	}
	if size <= l.free {
		l.free -= size
		l.reserved += size
		return nil
	}
	if l.Policy == EvictLRU {
		l.evictUntil(size)
		if size <= l.free {
			l.free -= size
			l.reserved += size
			return nil
		}
	}
	return failure.New(failure.StorageNotEnoughSpace,
		"lfs %s: cannot reserve %g bytes (%g free)", l.MountPoint, size, l.free)
}

// ReleaseReservation returns a reserved segment without storing anything.
// Releasing more than is reserved is clamped (double release is a no-op).
func (l *LogicalFileSystem) ReleaseReservation(size float64) {
	if l.sink {
		return
	}
	if size > l.reserved {
		size = l.reserved
	}
	l.reserved -= size
	l.free += size
}

// evictUntil removes evictable files in ascending last-read order until
// needed bytes are free or no candidate remains.
func (l *LogicalFileSystem) evictUntil(needed float64) {
	type candidate struct {
		dir  string
		id   string
		meta *FileMeta
	}
	var cands []candidate
	for dir, files := range l.dirs {
		for id, m := range files {
			if m.PinnedCount == 0 {
				cands = append(cands, candidate{dir, id, m})
			}
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].meta.LastReadDate != cands[j].meta.LastReadDate {
			return cands[i].meta.LastReadDate < cands[j].meta.LastReadDate
		}
		return cands[i].id < cands[j].id
	})
	for _, c := range cands {
		if needed <= l.free {
			return
		}
		delete(l.dirs[c.dir], c.id)
		if len(l.dirs[c.dir]) == 0 {
			delete(l.dirs, c.dir)
		}
		l.free += c.meta.Size
	}
}

// CommitFile converts a previously reserved segment of the file's size into
// a stored file under dir. The reservation accounting moves from reserved
// to occupied; free space is unchanged.
func (l *LogicalFileSystem) CommitFile(dir string, f *types.File, now float64) {
	if l.sink {
		return
	}
	dir = types.CanonicalPath(dir)
	if l.dirs[dir] == nil {
		l.dirs[dir] = make(map[string]*FileMeta)
	}
	if existing, ok := l.dirs[dir][f.ID]; ok {
		// Overwrite of a file already in place: drop the duplicate
		// reservation and refresh the write date.
		l.ReleaseReservation(f.Size)
		existing.LastWriteDate = now
		return
	}
	if f.Size > l.reserved {
		// Defensively treat a commit without a matching reservation as a
		// direct store.
		l.free -= f.Size - l.reserved
		l.reserved = 0
	} else {
		l.reserved -= f.Size
	}
	l.dirs[dir][f.ID] = &FileMeta{
		File:          f,
		Size:          f.Size,
		LastWriteDate: now,
		LastReadDate:  now,
	}
}

// StoreFile reserves and commits in one step; used for pre-launch staging.
func (l *LogicalFileSystem) StoreFile(dir string, f *types.File, now float64) *failure.Cause {
	if l.sink {
		return nil
	}
	if l.HasFile(dir, f.ID) {
		return nil
	}
	if cause := l.Reserve(f.Size, now); cause != nil {
		return cause
	}
	l.CommitFile(dir, f, now)
	return nil
}

// HasFile reports whether the file is stored under dir.
func (l *LogicalFileSystem) HasFile(dir, fileID string) bool {
	if l.sink {
		return false
	}
	files, ok := l.dirs[types.CanonicalPath(dir)]
	if !ok {
		return false
	}
	_, ok = files[fileID]
	return ok
}

// Meta returns the metadata for a stored file, if present.
func (l *LogicalFileSystem) Meta(dir, fileID string) (*FileMeta, bool) {
	files, ok := l.dirs[types.CanonicalPath(dir)]
	if !ok {
		return nil, false
	}
	m, ok := files[fileID]
	return m, ok
}

// DeleteFile removes a stored file, freeing its space. Pinned files cannot
// be deleted.
func (l *LogicalFileSystem) DeleteFile(dir, fileID string) *failure.Cause {
	if l.sink {
		return nil
	}
	dir = types.CanonicalPath(dir)
	files, ok := l.dirs[dir]
	if !ok {
		return failure.New(failure.FileNotFound, "lfs %s: no directory %s", l.MountPoint, dir)
	}
	m, ok := files[fileID]
	if !ok {
		return failure.New(failure.FileNotFound, "lfs %s: file %s not in %s", l.MountPoint, fileID, dir)
	}
	if m.PinnedCount > 0 {
		return failure.New(failure.FileAlreadyBeingCopied,
			"lfs %s: file %s in %s has an in-flight transfer", l.MountPoint, fileID, dir)
	}
	delete(files, fileID)
	if len(files) == 0 {
		delete(l.dirs, dir)
	}
	l.free += m.Size
	return nil
}

// TouchRead refreshes a stored file's last-read date.
func (l *LogicalFileSystem) TouchRead(dir, fileID string, now float64) {
	if m, ok := l.Meta(dir, fileID); ok {
		m.LastReadDate = now
	}
}

// Pin increments a stored file's pinned count, forbidding eviction.
func (l *LogicalFileSystem) Pin(dir, fileID string) {
	if m, ok := l.Meta(dir, fileID); ok {
		m.PinnedCount++
	}
}

// Unpin decrements a stored file's pinned count; a double unpin is a no-op.
func (l *LogicalFileSystem) Unpin(dir, fileID string) {
	if m, ok := l.Meta(dir, fileID); ok && m.PinnedCount > 0 {
		m.PinnedCount--
	}
}

// Files returns every (dir, meta) pair stored, for dumpers and tests.
func (l *LogicalFileSystem) Files() map[string][]*FileMeta {
	out := make(map[string][]*FileMeta, len(l.dirs))
	for dir, files := range l.dirs {
		for _, m := range files {
			out[dir] = append(out[dir], m)
		}
	}
	return out
}
