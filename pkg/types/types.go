package types

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/cuemby/wrenchgo/pkg/actor"
)

// File is an immutable identity plus a declared byte size. Files are
// registered once with the simulation and may exist in zero or more
// locations at any moment.
type File struct {
	ID   string
	Size float64 // bytes
}

// NewFile creates a file with the given id (auto-generated when empty).
func NewFile(id string, size float64) *File {
	if id == "" {
		id = uuid.NewString()
	}
	return &File{ID: id, Size: size}
}

// StorageEndpoint is the capability a Location needs from the storage
// service that hosts it: a name, a host to compute network routes against,
// and the public commport its RPC protocol listens on. Both the simple
// storage service and the proxy/federated nodes implement it.
type StorageEndpoint interface {
	Name() string
	Hostname() string
	Mailbox() *actor.Commport
	IsUp() bool
}

// Location is the (storage service, mount point, path) triple identifying
// one physical slot for a file. A Scratch location leaves Storage nil; it is
// only valid inside a compute service that owns scratch space, which
// resolves it at dispatch time.
type Location struct {
	Storage    StorageEndpoint
	MountPoint string
	Path       string
	File       *File
	Scratch    bool
}

// NewLocation builds a location on a concrete storage endpoint.
func NewLocation(s StorageEndpoint, mountPoint, path string, f *File) *Location {
	return &Location{
		Storage:    s,
		MountPoint: mountPoint,
		Path:       CanonicalPath(path),
		File:       f,
	}
}

// ScratchLocation is the sentinel location resolved by the executing
// compute service against its own scratch space.
func ScratchLocation(f *File) *Location {
	return &Location{Scratch: true, File: f}
}

// CanonicalPath collapses duplicate and trailing slashes so that two
// locations differing only in path spelling denote the same slot.
func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	out := make([]byte, 0, len(p)+1)
	if p[0] != '/' {
		out = append(out, '/')
	}
	var prevSlash bool
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '/' {
			if prevSlash {
				continue
			}
			prevSlash = true
		} else {
			prevSlash = false
		}
		out = append(out, c)
	}
	if len(out) > 1 && out[len(out)-1] == '/' {
		out = out[:len(out)-1]
	}
	return string(out)
}

// Equal reports whether two locations denote the same physical slot.
func (l *Location) Equal(o *Location) bool {
	if l == nil || o == nil {
		return l == o
	}
	if l.Scratch != o.Scratch {
		return false
	}
	var ln, on string
	if l.Storage != nil {
		ln = l.Storage.Name()
	}
	if o.Storage != nil {
		on = o.Storage.Name()
	}
	return ln == on &&
		l.MountPoint == o.MountPoint &&
		CanonicalPath(l.Path) == CanonicalPath(o.Path) &&
		l.File.ID == o.File.ID
}

func (l *Location) String() string {
	if l.Scratch {
		return fmt.Sprintf("scratch:%s", l.File.ID)
	}
	name := "?"
	if l.Storage != nil {
		name = l.Storage.Name()
	}
	return fmt.Sprintf("%s:%s%s/%s", name, l.MountPoint, CanonicalPath(l.Path), l.File.ID)
}

// FullPath returns the mount-point-qualified directory path of the slot.
func (l *Location) FullPath() string {
	return CanonicalPath(l.MountPoint + "/" + l.Path)
}
