// Package cache holds the lazily populated metadata tree of one remote
// namespace and reconciles it against the local sync folder.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cloudtree/cloudtree/internal/events"
	"github.com/cloudtree/cloudtree/internal/logging"
	"github.com/cloudtree/cloudtree/internal/metrics"
	"github.com/cloudtree/cloudtree/pkg/mirror"
	"github.com/cloudtree/cloudtree/pkg/models"
	"github.com/cloudtree/cloudtree/pkg/reconcile"
	"github.com/cloudtree/cloudtree/pkg/tree"
)

var (
	// ErrNotFound is returned when a path does not resolve to a node.
	ErrNotFound = errors.New("node not found")
	// ErrNotContainer is returned when a path names a leaf.
	ErrNotContainer = errors.New("not a container")
)

// RemoteLister lists the remote children of a container path.
type RemoteLister interface {
	List(ctx context.Context, path string) ([]models.RemoteItem, error)
}

// LocalLister lists a directory of the local sync folder. A missing
// directory is an empty listing.
type LocalLister interface {
	List(ctx context.Context, localPath string) ([]models.LocalItem, error)
}

// Config configures a Tree.
type Config struct {
	Namespace string
	Remote    RemoteLister
	Local     LocalLister // nil when the namespace is not mirrored
	Layout    mirror.Layout
	Engine    *reconcile.Engine
	RootKind  models.Kind // defaults to KindDirectory
	Events    *events.Broadcaster
	Now       func() time.Time
}

// Tree owns the nodes of one namespace. Exactly one Node exists per key.
type Tree struct {
	namespace string
	remote    RemoteLister
	local     LocalLister
	layout    mirror.Layout
	engine    *reconcile.Engine
	events    *events.Broadcaster
	now       func() time.Time

	group singleflight.Group

	mu    sync.RWMutex
	root  *Node
	nodes map[models.NodeKey]*Node
}

// New creates a tree holding only its unloaded root.
func New(cfg Config) *Tree {
	t := &Tree{
		namespace: cfg.Namespace,
		remote:    cfg.Remote,
		local:     cfg.Local,
		layout:    cfg.Layout,
		engine:    cfg.Engine,
		events:    cfg.Events,
		now:       cfg.Now,
		nodes:     make(map[models.NodeKey]*Node),
	}
	if t.engine == nil {
		t.engine = reconcile.New(nil)
	}
	if t.events == nil {
		t.events = events.NewBroadcaster()
	}
	if t.now == nil {
		t.now = time.Now
	}
	kind := cfg.RootKind
	if kind == "" {
		kind = models.KindDirectory
	}
	t.root = newRoot(t, kind)
	if !t.mirrored(t.root) {
		t.root.presence = models.OnlineOnly
	}
	t.nodes[t.root.key] = t.root
	return t
}

// Namespace returns the namespace name.
func (t *Tree) Namespace() string {
	return t.namespace
}

// Root returns the root node.
func (t *Tree) Root() *Node {
	return t.root
}

// Len returns the number of nodes in the identity map.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Node returns the node stored under key, if any.
func (t *Tree) Node(key models.NodeKey) (*Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[key]
	return n, ok
}

// Lookup returns a known node by path without fetching. Containers win
// over leaves sharing the path.
func (t *Tree) Lookup(p string) (*Node, bool) {
	p = tree.Clean(p)
	if n, ok := t.Node(models.NodeKey{Path: p, Container: true}); ok {
		return n, true
	}
	return t.Node(models.NodeKey{Path: p})
}

// Resolve returns the node at p, populating ancestors as needed.
func (t *Tree) Resolve(ctx context.Context, p string) (*Node, error) {
	p = tree.Clean(p)
	if n, ok := t.Lookup(p); ok {
		return n, nil
	}

	n := t.root
	for _, seg := range tree.Segments(p) {
		children, err := n.GetChildren(ctx, false)
		if err != nil {
			return nil, err
		}
		var next *Node
		for _, c := range children {
			if c.Name() != seg {
				continue
			}
			if next == nil || c.IsContainer() {
				next = c
			}
		}
		if next == nil {
			return nil, fmt.Errorf("%s:%s: %w", t.namespace, p, ErrNotFound)
		}
		n = next
	}
	return n, nil
}

// GetChildrenOf returns the ordered children of the container at p.
func (t *Tree) GetChildrenOf(ctx context.Context, p string) ([]*Node, error) {
	return t.childrenOf(ctx, p, false)
}

// ReloadChildrenOf is GetChildrenOf with a forced re-listing.
func (t *Tree) ReloadChildrenOf(ctx context.Context, p string) ([]*Node, error) {
	return t.childrenOf(ctx, p, true)
}

func (t *Tree) childrenOf(ctx context.Context, p string, force bool) ([]*Node, error) {
	n, err := t.Resolve(ctx, p)
	if err != nil {
		return nil, err
	}
	if !n.IsContainer() {
		return nil, fmt.Errorf("%s:%s: %w", t.namespace, n.Path(), ErrNotContainer)
	}
	return n.GetChildren(ctx, force)
}

// Invalidate marks the container at p stale. Unknown paths are ignored.
// Descendants keep their children.
func (t *Tree) Invalidate(p string) bool {
	p = tree.Clean(p)
	n, ok := t.Node(models.NodeKey{Path: p, Container: true})
	if !ok || !n.Invalidate() {
		return false
	}
	metrics.RecordInvalidation(t.namespace, "path", 1)
	logging.Debug("invalidated",
		logging.String("namespace", t.namespace),
		logging.String("path", p))
	t.publish(events.EventInvalidate, p)
	return true
}

// InvalidateAll marks every loaded node stale.
func (t *Tree) InvalidateAll() int {
	count := 0
	for _, n := range t.snapshot() {
		if n.Invalidate() {
			count++
		}
	}
	metrics.RecordInvalidation(t.namespace, "all", count)
	logging.Debug("invalidated all",
		logging.String("namespace", t.namespace),
		logging.Int("count", count))
	t.publish(events.EventInvalidateAll, "")
	return count
}

// InvalidateOlderThan marks stale every node loaded more than maxAge ago.
func (t *Tree) InvalidateOlderThan(maxAge time.Duration) int {
	cutoff := t.now().Add(-maxAge)
	count := 0
	for _, n := range t.snapshot() {
		at := n.LoadedAt()
		if at.IsZero() || !at.Before(cutoff) {
			continue
		}
		if n.Invalidate() {
			count++
			t.publish(events.EventInvalidate, n.Path())
		}
	}
	if count > 0 {
		metrics.RecordInvalidation(t.namespace, "age", count)
		logging.Debug("invalidated expired",
			logging.String("namespace", t.namespace),
			logging.Int("count", count),
			logging.Duration("max_age", maxAge))
	}
	return count
}

// Signal tells subscribers to re-request what they display without
// invalidating anything.
func (t *Tree) Signal() {
	t.publish(events.EventRefresh, "")
}

// Subscribe returns a channel of change events for this tree's
// broadcaster. Call Unsubscribe when done.
func (t *Tree) Subscribe() chan events.Event {
	return t.events.Subscribe()
}

// Unsubscribe removes a subscriber.
func (t *Tree) Unsubscribe(ch chan events.Event) {
	t.events.Unsubscribe(ch)
}

func (t *Tree) publish(typ, p string) {
	t.events.Publish(events.Event{Type: typ, Namespace: t.namespace, Path: p})
}

func (t *Tree) snapshot() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n)
	}
	return out
}

func (t *Tree) mirrored(n *Node) bool {
	return t.local != nil && t.layout.Enabled() && n.Kind().Info().Mirrored
}

// load populates n, joining a population already in flight for it. The
// shared population is detached from the caller that started it; each
// caller stops waiting when its own ctx is done and gets the children
// known so far.
func (t *Tree) load(ctx context.Context, n *Node) ([]*Node, error) {
	shared := context.WithoutCancel(ctx)
	ch := t.group.DoChan(n.key.String(), func() (any, error) {
		return t.populate(shared, n)
	})

	select {
	case res := <-ch:
		if res.Shared {
			logging.Debug("joined in-flight populate",
				logging.String("namespace", t.namespace),
				logging.String("path", n.Path()))
		}
		children, _ := res.Val.([]*Node)
		return append([]*Node(nil), children...), res.Err
	case <-ctx.Done():
		return n.fallback(), ctx.Err()
	}
}

func (t *Tree) populate(ctx context.Context, n *Node) ([]*Node, error) {
	start := t.now()
	p := n.Path()
	logging.Debug("populating",
		logging.String("namespace", t.namespace),
		logging.String("path", p))

	var remote []models.RemoteItem
	if n.Presence() != models.LocalOnly {
		items, err := t.remote.List(ctx, p)
		if err != nil {
			if _, ok := models.AsRemote(err); !ok {
				err = &models.RemoteError{Namespace: t.namespace, Path: p, Err: err}
			}
			metrics.RecordRemoteListError(t.namespace)
			logging.Warn("remote listing failed",
				logging.String("namespace", t.namespace),
				logging.String("path", p),
				logging.Err(err))
			n.fail(err)
			return n.fallback(), err
		}
		remote = items
	}

	var local []models.LocalItem
	if t.mirrored(n) {
		localPath := t.layout.LocalPath(p)
		items, err := t.local.List(ctx, localPath)
		if err != nil {
			// Unreadable mirror counts as no local items.
			metrics.RecordLocalListError(t.namespace)
			logging.Warn("local listing failed",
				logging.String("namespace", t.namespace),
				logging.String("path", localPath),
				logging.Err(err))
		}
		local = items
	}

	res := t.engine.Merge(p, remote, local, n.Kind().Info().Order)
	for _, w := range res.Warnings {
		metrics.RecordMergeWarning(string(w.Reason))
		logging.Warn("reconcile warning",
			logging.String("namespace", t.namespace),
			logging.String("reason", string(w.Reason)),
			logging.String("path", w.Path),
			logging.String("name", w.Name))
	}

	children := t.materialize(n, res)
	n.store(children, res.Warnings, t.now())

	elapsed := t.now().Sub(start)
	metrics.RecordPopulate(t.namespace, elapsed)
	logging.Debug("populated",
		logging.String("namespace", t.namespace),
		logging.String("path", p),
		logging.Int("count", len(children)),
		logging.Duration("elapsed", elapsed))
	return children, nil
}

// materialize turns merge entries into nodes, reusing existing nodes by
// key and pruning nodes that disappeared from n together with their
// subtrees. A parent no longer in the identity map gets unregistered
// children so the map only holds reachable nodes.
func (t *Tree) materialize(parent *Node, res reconcile.Result) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nodes[parent.key] != parent {
		// parent was pruned while it was being listed
		logging.Debug("discarding listing of pruned node",
			logging.String("namespace", t.namespace),
			logging.String("path", parent.Path()))
		detached := make([]*Node, 0, len(res.Entries))
		for _, e := range res.Entries {
			node := &Node{tree: t, key: e.Key(), parent: parent}
			node.update(e)
			detached = append(detached, node)
		}
		return detached
	}

	children := make([]*Node, 0, len(res.Entries))
	keep := make(map[models.NodeKey]bool, len(res.Entries))
	for _, e := range res.Entries {
		k := e.Key()
		keep[k] = true
		node, ok := t.nodes[k]
		if !ok {
			node = &Node{tree: t, key: k, parent: parent}
			t.nodes[k] = node
		}
		node.update(e)
		children = append(children, node)
	}

	for _, old := range parent.previous() {
		if !keep[old.key] {
			t.prune(old.key)
		}
	}
	metrics.SetCachedNodes(t.namespace, len(t.nodes))
	return children
}

// prune removes key and, for containers, everything below it. Caller
// holds t.mu.
func (t *Tree) prune(key models.NodeKey) {
	delete(t.nodes, key)
	if !key.Container {
		return
	}
	prefix := strings.TrimSuffix(key.Path, "/") + "/"
	for k := range t.nodes {
		if strings.HasPrefix(k.Path, prefix) {
			delete(t.nodes, k)
		}
	}
}
