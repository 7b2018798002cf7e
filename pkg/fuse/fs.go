// Package fuse exposes the namespace trees as a read-only filesystem:
// /<namespace>/<path...>.
package fuse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/afero"

	"github.com/cloudtree/cloudtree/internal/logging"
	"github.com/cloudtree/cloudtree/pkg/cache"
	"github.com/cloudtree/cloudtree/pkg/models"
)

// Source provides the trees to expose. *app.App implements it.
type Source interface {
	Namespaces() []string
	Tree(namespace string) (*cache.Tree, error)
}

// Config holds filesystem options.
type Config struct {
	Fs           afero.Fs      // local sync folder access, defaults to the OS
	EntryTimeout time.Duration // kernel attribute/entry cache
	Debug        bool
}

// FS is the filesystem root.
type FS struct {
	src Source
	cfg Config
	uid uint32
	gid uint32
}

// New creates a filesystem over src.
func New(src Source, cfg Config) *FS {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.EntryTimeout == 0 {
		cfg.EntryTimeout = time.Second
	}
	return &FS{
		src: src,
		cfg: cfg,
		uid: uint32(os.Getuid()),
		gid: uint32(os.Getgid()),
	}
}

// Root returns the root inode embedder.
func (f *FS) Root() *Node {
	return &Node{fsys: f}
}

// Mount mounts the filesystem at mountPoint.
func (f *FS) Mount(mountPoint string) (*gofuse.Server, error) {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	timeout := f.cfg.EntryTimeout
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			FsName: "cloudtree",
			Name:   "cloudtree",
			Debug:  f.cfg.Debug,
		},
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		UID:          f.uid,
		GID:          f.gid,
	}

	server, err := fs.Mount(mountPoint, f.Root(), opts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	logging.Info("filesystem mounted", logging.String("mount_point", mountPoint))
	return server, nil
}

// Node is a directory or file of the mounted tree. The mount root has no
// namespace; a namespace root has a namespace and the tree root entry.
type Node struct {
	fs.Inode

	fsys      *FS
	namespace string
	entry     *cache.Node
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeGetxattrer = (*Node)(nil)

func (n *Node) isDir() bool {
	return n.entry == nil || n.entry.IsContainer()
}

// Getattr returns attributes from cached metadata only.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	n.fsys.fillAttr(n.entry, &out.Attr)
	return 0
}

func (f *FS) fillAttr(e *cache.Node, attr *gofuse.Attr) {
	attr.Uid = f.uid
	attr.Gid = f.gid
	if e == nil || e.IsContainer() {
		attr.Mode = 0555 | syscall.S_IFDIR
		return
	}

	attr.Mode = 0444 | syscall.S_IFREG
	var mtime time.Time
	if l := e.Local(); l != nil {
		attr.Size = uint64(l.Size)
		mtime = l.ModTime
	} else {
		attr.Size = uint64(len(descriptor(e)))
		mtime = models.Timestamp(e.Payload())
	}
	if !mtime.IsZero() {
		attr.Mtime = uint64(mtime.Unix())
		attr.Atime = attr.Mtime
		attr.Ctime = attr.Mtime
	}
}

// entryName is the file name a node is listed under. Leaves use their
// sync folder file name so a folder and a same-named notebook stay apart.
func entryName(e *cache.Node) string {
	if e.IsContainer() {
		return e.Name()
	}
	return e.FileName()
}

type dirEntry struct {
	name string
	node *cache.Node
}

func (n *Node) list(ctx context.Context) ([]dirEntry, syscall.Errno) {
	if n.entry == nil {
		var out []dirEntry
		for _, ns := range n.fsys.src.Namespaces() {
			t, err := n.fsys.src.Tree(ns)
			if err != nil {
				continue
			}
			out = append(out, dirEntry{name: ns, node: t.Root()})
		}
		return out, 0
	}
	if !n.entry.IsContainer() {
		return nil, syscall.ENOTDIR
	}

	children, err := n.entry.GetChildren(ctx, false)
	if err != nil {
		logging.Warn("fuse listing failed",
			logging.String("namespace", n.namespace),
			logging.String("path", n.entry.Path()),
			logging.Err(err))
		if len(children) == 0 {
			return nil, syscall.EIO
		}
	}

	return n.names(children), 0
}

// names assigns a unique entry name to every child. Containers claim
// their names first; a leaf whose name is taken gets its kind appended.
func (n *Node) names(children []*cache.Node) []dirEntry {
	taken := make(map[string]bool, len(children))
	assigned := make([]string, len(children))
	for _, pass := range []bool{true, false} {
		for i, c := range children {
			if c.IsContainer() != pass {
				continue
			}
			name := entryName(c)
			if taken[name] {
				base := name + "~" + string(c.Kind())
				name = base
				for k := 2; taken[name]; k++ {
					name = fmt.Sprintf("%s%d", base, k)
				}
				logging.Warn("fuse name clash",
					logging.String("namespace", n.namespace),
					logging.String("path", c.Path()),
					logging.String("entry", name))
			}
			taken[name] = true
			assigned[i] = name
		}
	}

	out := make([]dirEntry, len(children))
	for i, c := range children {
		out[i] = dirEntry{name: assigned[i], node: c}
	}
	return out
}

// Readdir lists directory contents.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, errno := n.list(ctx)
	if errno != 0 {
		return nil, errno
	}

	out := make([]gofuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		mode := uint32(syscall.S_IFREG)
		if e.node.IsContainer() {
			mode = syscall.S_IFDIR
		}
		out = append(out, gofuse.DirEntry{Name: e.name, Mode: mode})
	}
	return fs.NewListDirStream(out), 0
}

// Lookup finds a child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	entries, errno := n.list(ctx)
	if errno != 0 {
		return nil, errno
	}

	for _, e := range entries {
		if e.name != name {
			continue
		}
		ns := n.namespace
		if n.entry == nil {
			ns = name
		}
		child := &Node{fsys: n.fsys, namespace: ns, entry: e.node}
		n.fsys.fillAttr(e.node, &out.Attr)
		return n.NewInode(ctx, child, fs.StableAttr{Mode: out.Mode & syscall.S_IFMT}), 0
	}
	return nil, syscall.ENOENT
}

// Open opens a leaf for reading. Mirrored leaves read the local file,
// all others read a JSON description of the remote item.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if n.isDir() {
		return nil, 0, syscall.EISDIR
	}
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}

	if l := n.entry.Local(); l != nil {
		f, err := n.fsys.cfg.Fs.Open(l.Path)
		if err != nil {
			logging.Warn("fuse open failed", logging.String("path", l.Path), logging.Err(err))
			return nil, 0, syscall.EIO
		}
		return &fileHandle{file: f}, 0, 0
	}
	return &fileHandle{data: descriptor(n.entry)}, gofuse.FOPEN_DIRECT_IO, 0
}

// Getxattr exposes presence and kind.
func (n *Node) Getxattr(ctx context.Context, attr string, dest []byte) (uint32, syscall.Errno) {
	if n.entry == nil {
		return 0, syscall.ENODATA
	}

	var value string
	switch attr {
	case "user.cloudtree.presence":
		value = n.entry.Presence().String()
	case "user.cloudtree.kind":
		value = string(n.entry.Kind())
	case "user.cloudtree.path":
		value = n.entry.Path()
	default:
		return 0, syscall.ENODATA
	}

	if len(dest) == 0 {
		return uint32(len(value)), 0
	}
	if len(dest) < len(value) {
		return 0, syscall.ERANGE
	}
	copy(dest, value)
	return uint32(len(value)), 0
}

type fileHandle struct {
	mu   sync.Mutex
	file afero.File
	data []byte
}

var _ fs.FileReader = (*fileHandle)(nil)
var _ fs.FileReleaser = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	if h.file == nil {
		if off >= int64(len(h.data)) {
			return gofuse.ReadResultData(nil), 0
		}
		end := off + int64(len(dest))
		if end > int64(len(h.data)) {
			end = int64(len(h.data))
		}
		return gofuse.ReadResultData(h.data[off:end]), 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	n, err := h.file.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		return nil, syscall.EIO
	}
	return gofuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	if h.file != nil {
		h.file.Close()
	}
	return 0
}

type describedItem struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	Presence string `json:"presence"`
	ID       string `json:"id,omitempty"`
	Payload  any    `json:"payload,omitempty"`
}

// descriptor renders the remote metadata of a leaf as JSON.
func descriptor(e *cache.Node) []byte {
	d := describedItem{
		Name:     e.Name(),
		Label:    e.Label(),
		Path:     e.Path(),
		Kind:     string(e.Kind()),
		Presence: e.Presence().String(),
		Payload:  e.Payload(),
	}
	if r := e.Remote(); r != nil {
		d.ID = r.ID
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return nil
	}
	return append(data, '\n')
}
