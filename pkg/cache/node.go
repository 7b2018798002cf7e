package cache

import (
	"context"
	"sync"
	"time"

	"github.com/cloudtree/cloudtree/internal/metrics"
	"github.com/cloudtree/cloudtree/pkg/models"
	"github.com/cloudtree/cloudtree/pkg/reconcile"
	"github.com/cloudtree/cloudtree/pkg/tree"
)

// Node is one item of a namespace tree. A node is created the first time
// its parent is populated and is reused, by identity, on every later
// population that still lists it.
type Node struct {
	tree   *Tree
	key    models.NodeKey
	parent *Node // display back-reference only

	mu       sync.RWMutex
	name     string
	label    string
	kind     models.Kind
	presence models.Presence
	remote   *models.RemoteItem
	local    *models.LocalItem
	payload  any

	loaded   bool
	children []*Node
	stale    []*Node // children as of the last invalidation
	loadedAt time.Time
	warnings []reconcile.Warning
	lastErr  error
}

func (n *Node) Key() models.NodeKey { return n.key }
func (n *Node) Path() string        { return n.key.Path }
func (n *Node) IsContainer() bool   { return n.key.Container }
func (n *Node) Parent() *Node       { return n.parent }
func (n *Node) Namespace() string   { return n.tree.namespace }

// Name is the logical name, the final path segment.
func (n *Node) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.name
}

func (n *Node) Label() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.label
}

func (n *Node) Kind() models.Kind {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.kind
}

// Presence is recomputed every time the parent is populated.
func (n *Node) Presence() models.Presence {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.presence
}

func (n *Node) Payload() any {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.payload
}

// Remote returns the remote descriptor, or nil for LocalOnly nodes.
func (n *Node) Remote() *models.RemoteItem {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.remote
}

// Local returns the local sync folder entry, or nil for OnlineOnly nodes.
func (n *Node) Local() *models.LocalItem {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.local
}

// LocalPath returns where the node lives in the local sync folder, or ""
// when the namespace has no mirror.
func (n *Node) LocalPath() string {
	if l := n.Local(); l != nil {
		return l.Path
	}
	if !n.tree.layout.Enabled() {
		return ""
	}
	return n.tree.layout.LocalPath(n.key.Path)
}

// FileName is the name of the node in the local sync folder: the local
// file name when there is one, the export name for remote notebooks of
// a mirrored namespace, and the logical name otherwise.
func (n *Node) FileName() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.local != nil {
		return n.local.Name
	}
	if n.key.Container {
		return n.name
	}
	info, ok := n.payload.(models.NotebookInfo)
	if !ok {
		return n.name
	}
	if m := n.tree.engine.Mapper(); m != nil && n.tree.layout.Enabled() {
		return m.LocalName(n.name, info.Language)
	}
	return n.name
}

func (n *Node) IsLoaded() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.loaded
}

// LoadedAt returns the time of the last successful population, or the
// zero time when the node is not loaded.
func (n *Node) LoadedAt() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.loadedAt
}

// Warnings returns the reconciliation warnings of the last population.
func (n *Node) Warnings() []reconcile.Warning {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]reconcile.Warning(nil), n.warnings...)
}

// LastError returns the error of the most recent population attempt, or
// nil if it succeeded.
func (n *Node) LastError() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastErr
}

// Children returns the cached children without fetching. ok is false when
// the node is not loaded.
func (n *Node) Children() (children []*Node, ok bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.loaded {
		return nil, false
	}
	return append([]*Node(nil), n.children...), true
}

// GetChildren returns the children of n, populating it first when it is
// not loaded or force is set. Leaves have no children.
//
// When population fails the node keeps its state and the previously
// known children are returned together with the error.
func (n *Node) GetChildren(ctx context.Context, force bool) ([]*Node, error) {
	if !n.key.Container {
		return nil, nil
	}
	if !force {
		if children, ok := n.Children(); ok {
			metrics.RecordLookup(n.tree.namespace, true)
			return children, nil
		}
	}
	metrics.RecordLookup(n.tree.namespace, false)
	return n.tree.load(ctx, n)
}

// Invalidate marks n unloaded so the next GetChildren lists it again. It
// does not touch descendants and is a no-op on an unloaded node.
func (n *Node) Invalidate() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.loaded {
		return false
	}
	n.stale = n.children
	n.children = nil
	n.loaded = false
	n.loadedAt = time.Time{}
	return true
}

// fallback returns what a failed population hands back to the caller.
func (n *Node) fallback() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.loaded {
		return append([]*Node(nil), n.children...)
	}
	return append([]*Node(nil), n.stale...)
}

// previous returns every child the node currently references.
func (n *Node) previous() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.loaded {
		return n.children
	}
	return n.stale
}

func (n *Node) update(e reconcile.Entry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.name = e.Name
	n.label = e.Label
	n.kind = e.Kind
	n.presence = e.Presence
	n.remote = e.Remote
	n.local = e.Local
	n.payload = e.Payload
}

func (n *Node) store(children []*Node, warnings []reconcile.Warning, at time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.children = children
	n.stale = nil
	n.loaded = true
	n.loadedAt = at
	n.warnings = warnings
	n.lastErr = nil
}

func (n *Node) fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastErr = err
}

func newRoot(t *Tree, kind models.Kind) *Node {
	return &Node{
		tree:     t,
		key:      models.NodeKey{Path: tree.Root, Container: true},
		name:     "",
		label:    t.namespace,
		kind:     kind,
		presence: models.Synced,
	}
}
