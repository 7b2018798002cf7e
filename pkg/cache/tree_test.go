package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/cloudtree/cloudtree/internal/events"
	"github.com/cloudtree/cloudtree/internal/logging"
	"github.com/cloudtree/cloudtree/pkg/mirror"
	"github.com/cloudtree/cloudtree/pkg/models"
	"github.com/cloudtree/cloudtree/pkg/reconcile"
)

func init() {
	logging.InitNop()
}

type fakeRemote struct {
	mu      sync.Mutex
	items   map[string][]models.RemoteItem
	err     error
	calls   map[string]int
	started chan struct{} // receives once per List call when set
	release chan struct{} // List blocks on it when set
	gates   map[string]chan struct{}
	entered chan string // receives p before List(p) waits on its gate
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{items: make(map[string][]models.RemoteItem), calls: make(map[string]int)}
}

func (f *fakeRemote) List(ctx context.Context, p string) ([]models.RemoteItem, error) {
	f.mu.Lock()
	f.calls[p]++
	started, release := f.started, f.release
	gate := f.gates[p]
	f.mu.Unlock()

	if gate != nil {
		f.entered <- p
		<-gate
	}

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.RemoteItem(nil), f.items[p]...), nil
}

// gate makes List(p) block until the returned channel is closed.
func (f *fakeRemote) gate(p string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gates == nil {
		f.gates = make(map[string]chan struct{})
		f.entered = make(chan string, 4)
	}
	g := make(chan struct{})
	f.gates[p] = g
	return g
}

func (f *fakeRemote) set(p string, items ...models.RemoteItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[p] = items
}

func (f *fakeRemote) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeRemote) count(p string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[p]
}

type countingLocal struct {
	mu    sync.Mutex
	inner LocalLister
	err   error
	calls map[string]int
}

func (c *countingLocal) List(ctx context.Context, localPath string) ([]models.LocalItem, error) {
	c.mu.Lock()
	c.calls[localPath]++
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.inner.List(ctx, localPath)
}

func (c *countingLocal) count(localPath string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[localPath]
}

type fixture struct {
	tree   *Tree
	remote *fakeRemote
	local  *countingLocal
	fs     afero.Fs
	layout mirror.Layout
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	remote := newFakeRemote()
	local := &countingLocal{inner: mirror.NewInspector(fs), calls: make(map[string]int)}
	layout := mirror.Layout{Root: "/sync", Subfolder: "Workspace"}
	tr := New(Config{
		Namespace: "workspace",
		Remote:    remote,
		Local:     local,
		Layout:    layout,
		Engine:    reconcile.New(mirror.NewExtensionMapper(mirror.DefaultExportFormats())),
	})
	return &fixture{tree: tr, remote: remote, local: local, fs: fs, layout: layout}
}

func (f *fixture) writeLocal(t *testing.T, p string) {
	t.Helper()
	full := filepath.Join("/sync/Workspace", p)
	if err := f.fs.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(f.fs, full, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
}

func nb(name string) models.RemoteItem {
	return models.RemoteItem{Name: name, Kind: models.KindNotebook, Payload: models.NotebookInfo{Language: "PYTHON"}}
}

func folder(name string) models.RemoteItem {
	return models.RemoteItem{Name: name, Kind: models.KindDirectory}
}

func TestGetChildrenOfCaches(t *testing.T) {
	f := newFixture(t)
	f.remote.set("/", folder("Users"), nb("readme"))
	ctx := context.Background()

	first, err := f.tree.GetChildrenOf(ctx, "/")
	if err != nil {
		t.Fatalf("GetChildrenOf: %v", err)
	}
	second, err := f.tree.GetChildrenOf(ctx, "")
	if err != nil {
		t.Fatalf("GetChildrenOf: %v", err)
	}

	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("expected 2 children, got %d and %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("child %d is a different instance", i)
		}
	}
	if n := f.remote.count("/"); n != 1 {
		t.Errorf("expected 1 remote call, got %d", n)
	}
	if n := f.local.count(f.layout.LocalPath("/")); n != 1 {
		t.Errorf("expected 1 local call, got %d", n)
	}
}

func TestInvalidateRefetchesOnce(t *testing.T) {
	f := newFixture(t)
	f.remote.set("/", folder("Users"))
	ctx := context.Background()

	before, _ := f.tree.GetChildrenOf(ctx, "/")
	if !f.tree.Invalidate("/") {
		t.Fatal("expected loaded root to be invalidated")
	}
	if f.tree.Root().IsLoaded() || !f.tree.Root().LoadedAt().IsZero() {
		t.Fatal("invalidate should clear loaded state")
	}

	after, err := f.tree.GetChildrenOf(ctx, "/")
	if err != nil {
		t.Fatalf("GetChildrenOf: %v", err)
	}
	f.tree.GetChildrenOf(ctx, "/")

	if n := f.remote.count("/"); n != 2 {
		t.Errorf("expected 2 remote calls, got %d", n)
	}
	if n := f.local.count(f.layout.LocalPath("/")); n != 2 {
		t.Errorf("expected 2 local calls, got %d", n)
	}
	if before[0] != after[0] {
		t.Error("node identity should survive re-population")
	}
}

func TestInvalidateIdempotentAndShallow(t *testing.T) {
	f := newFixture(t)
	f.remote.set("/", folder("Users"))
	f.remote.set("/Users", nb("a"))
	ctx := context.Background()

	if _, err := f.tree.GetChildrenOf(ctx, "/Users"); err != nil {
		t.Fatalf("GetChildrenOf: %v", err)
	}
	users, ok := f.tree.Lookup("/Users")
	if !ok || !users.IsLoaded() {
		t.Fatal("expected /Users loaded")
	}

	ch := f.tree.Subscribe()
	defer f.tree.Unsubscribe(ch)

	if !f.tree.Invalidate("/") {
		t.Fatal("first invalidate should report a change")
	}
	if f.tree.Invalidate("/") {
		t.Error("second invalidate should be a no-op")
	}
	if f.tree.Invalidate("/nope") {
		t.Error("unknown path should be a no-op")
	}
	if !users.IsLoaded() {
		t.Error("invalidating a parent must not invalidate loaded children")
	}

	select {
	case ev := <-ch:
		if ev.Type != events.EventInvalidate || ev.Path != "/" || ev.Namespace != "workspace" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected invalidate event")
	}
	select {
	case ev := <-ch:
		t.Errorf("expected a single event, got %+v", ev)
	default:
	}
}

func TestRemoteFailureKeepsCachedChildren(t *testing.T) {
	f := newFixture(t)
	f.remote.set("/", folder("Users"), nb("readme"))
	ctx := context.Background()

	cached, err := f.tree.GetChildrenOf(ctx, "/")
	if err != nil {
		t.Fatalf("GetChildrenOf: %v", err)
	}

	f.remote.fail(errors.New("connection refused"))

	// Forced reload of a loaded node.
	got, err := f.tree.ReloadChildrenOf(ctx, "/")
	if !errors.Is(err, models.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if len(got) != len(cached) || got[0] != cached[0] {
		t.Errorf("expected cached children back, got %v", got)
	}
	if !f.tree.Root().IsLoaded() {
		t.Error("failed reload must not unload the node")
	}
	if f.tree.Root().LastError() == nil {
		t.Error("expected LastError to be recorded")
	}

	// Invalidated node.
	f.tree.Invalidate("/")
	got, err = f.tree.GetChildrenOf(ctx, "/")
	if err == nil {
		t.Fatal("expected error")
	}
	re, ok := models.AsRemote(err)
	if !ok || re.Namespace != "workspace" || re.Path != "/" {
		t.Errorf("expected RemoteError for workspace:/, got %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected stale children, got %d", len(got))
	}
	if _, ok := f.tree.Lookup("/Users"); !ok {
		t.Error("identity map must keep nodes after a failure")
	}

	f.remote.fail(nil)
	got, err = f.tree.GetChildrenOf(ctx, "/")
	if err != nil || len(got) != 2 || got[0] != cached[0] {
		t.Fatalf("recovery: %v, %v", got, err)
	}
	if f.tree.Root().LastError() != nil {
		t.Error("LastError should clear after success")
	}
}

func TestConcurrentGetChildrenPopulatesOnce(t *testing.T) {
	f := newFixture(t)
	f.remote.set("/", nb("a"), nb("b"))
	f.remote.started = make(chan struct{}, 10)
	f.remote.release = make(chan struct{})
	ctx := context.Background()

	const callers = 8
	results := make([][]*Node, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			children, err := f.tree.GetChildrenOf(ctx, "/")
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
			}
			results[i] = children
		}(i)
	}

	<-f.remote.started
	time.Sleep(50 * time.Millisecond)
	close(f.remote.release)
	wg.Wait()

	if n := f.remote.count("/"); n != 1 {
		t.Errorf("expected 1 remote call, got %d", n)
	}
	for i := 1; i < callers; i++ {
		if len(results[i]) != 2 || results[i][0] != results[0][0] {
			t.Errorf("caller %d got different children", i)
		}
	}
}

func TestInvalidateDuringPopulateStoresResult(t *testing.T) {
	f := newFixture(t)
	f.remote.set("/", nb("a"))
	f.remote.started = make(chan struct{}, 1)
	f.remote.release = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := f.tree.GetChildrenOf(context.Background(), "/")
		done <- err
	}()

	<-f.remote.started
	f.tree.Invalidate("/")
	close(f.remote.release)

	if err := <-done; err != nil {
		t.Fatalf("GetChildrenOf: %v", err)
	}
	if !f.tree.Root().IsLoaded() {
		t.Error("in-flight result should be stored")
	}
}

func TestCancelledCallerDoesNotFailJoiners(t *testing.T) {
	f := newFixture(t)
	f.remote.set("/", nb("a"))
	gate := f.remote.gate("/")

	leaderCtx, cancel := context.WithCancel(context.Background())
	leader := make(chan error, 1)
	go func() {
		_, err := f.tree.GetChildrenOf(leaderCtx, "/")
		leader <- err
	}()
	<-f.remote.entered

	type result struct {
		children []*Node
		err      error
	}
	joiner := make(chan result, 1)
	go func() {
		children, err := f.tree.GetChildrenOf(context.Background(), "/")
		joiner <- result{children, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	err := <-leader
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("leader: expected context.Canceled, got %v", err)
	}
	if errors.Is(err, models.ErrRemoteUnavailable) {
		t.Error("cancellation must not be reported as a remote failure")
	}

	close(gate)
	res := <-joiner
	if res.err != nil {
		t.Fatalf("joiner: %v", res.err)
	}
	if len(res.children) != 1 || res.children[0].Name() != "a" {
		t.Errorf("joiner got %v", res.children)
	}
	if n := f.remote.count("/"); n != 1 {
		t.Errorf("expected 1 remote call, got %d", n)
	}
	if !f.tree.Root().IsLoaded() || f.tree.Root().LastError() != nil {
		t.Error("shared population should complete and be stored")
	}
}

func TestLatePopulateOfPrunedNode(t *testing.T) {
	f := newFixture(t)
	f.remote.set("/", folder("a"))
	f.remote.set("/a", nb("x"))
	ctx := context.Background()

	if _, err := f.tree.GetChildrenOf(ctx, "/"); err != nil {
		t.Fatalf("GetChildrenOf: %v", err)
	}
	old, _ := f.tree.Lookup("/a")

	gate := f.remote.gate("/a")
	done := make(chan error, 1)
	go func() {
		_, err := f.tree.GetChildrenOf(ctx, "/a")
		done <- err
	}()
	<-f.remote.entered

	f.remote.set("/")
	f.tree.Invalidate("/")
	if children, err := f.tree.GetChildrenOf(ctx, "/"); err != nil || len(children) != 0 {
		t.Fatalf("expected empty root, got %v, %v", children, err)
	}

	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("GetChildrenOf(/a): %v", err)
	}
	if _, ok := f.tree.Lookup("/a/x"); ok {
		t.Error("children of a pruned node must not enter the identity map")
	}
	if n := f.tree.Len(); n != 1 {
		t.Errorf("expected only the root, got %d nodes", n)
	}

	f.remote.set("/", folder("a"))
	if _, err := f.tree.ReloadChildrenOf(ctx, "/"); err != nil {
		t.Fatalf("ReloadChildrenOf: %v", err)
	}
	children, err := f.tree.GetChildrenOf(ctx, "/a")
	if err != nil || len(children) != 1 {
		t.Fatalf("GetChildrenOf(/a): %v, %v", children, err)
	}
	a, _ := f.tree.Lookup("/a")
	if a == old {
		t.Error("reappearing directory should be a new node")
	}
	if children[0].Parent() != a {
		t.Error("child should hang below the current /a node")
	}
}

func TestPresenceAndLocalOnlyContainer(t *testing.T) {
	f := newFixture(t)
	f.remote.set("/", nb("foo"), nb("bar"))
	f.writeLocal(t, "foo.py")
	f.writeLocal(t, "baz.sql")
	f.writeLocal(t, "notes.txt")
	f.writeLocal(t, "drafts/idea.py")
	ctx := context.Background()

	children, err := f.tree.GetChildrenOf(ctx, "/")
	if err != nil {
		t.Fatalf("GetChildrenOf: %v", err)
	}

	want := map[string]models.Presence{
		"bar":    models.OnlineOnly,
		"baz":    models.LocalOnly,
		"drafts": models.LocalOnly,
		"foo":    models.Synced,
	}
	if len(children) != len(want) {
		t.Fatalf("expected %d children, got %d", len(want), len(children))
	}
	for _, c := range children {
		if want[c.Name()] != c.Presence() {
			t.Errorf("%s: presence %s, want %s", c.Name(), c.Presence(), want[c.Name()])
		}
	}
	if ws := f.tree.Root().Warnings(); len(ws) != 1 || ws[0].Reason != reconcile.UnsupportedLocalItem {
		t.Errorf("expected unsupported warning, got %v", ws)
	}

	drafts, err := f.tree.GetChildrenOf(ctx, "/drafts")
	if err != nil {
		t.Fatalf("GetChildrenOf(/drafts): %v", err)
	}
	if f.remote.count("/drafts") != 0 {
		t.Error("local-only container must not be listed remotely")
	}
	if len(drafts) != 1 || drafts[0].Name() != "idea" || drafts[0].Presence() != models.LocalOnly {
		t.Errorf("unexpected drafts children %v", drafts)
	}
	if got := drafts[0].LocalPath(); got != filepath.Join("/sync/Workspace", "drafts", "idea.py") {
		t.Errorf("LocalPath = %q", got)
	}
}

func TestLocalAccessErrorIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.remote.set("/", nb("a"))
	f.local.err = &models.LocalAccessError{Path: "/sync", Err: errors.New("permission denied")}

	children, err := f.tree.GetChildrenOf(context.Background(), "/")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(children) != 1 || children[0].Presence() != models.OnlineOnly {
		t.Errorf("unexpected children %v", children)
	}
}

func TestPruneRemovedSubtree(t *testing.T) {
	f := newFixture(t)
	f.remote.set("/", folder("old"), folder("keep"))
	f.remote.set("/old", nb("x"), folder("deep"))
	f.remote.set("/old/deep", nb("y"))
	ctx := context.Background()

	if _, err := f.tree.GetChildrenOf(ctx, "/old/deep"); err != nil {
		t.Fatalf("GetChildrenOf: %v", err)
	}
	if n := f.tree.Len(); n != 6 {
		t.Fatalf("expected 6 nodes, got %d", n)
	}

	f.remote.set("/", folder("keep"))
	if _, err := f.tree.ReloadChildrenOf(ctx, "/"); err != nil {
		t.Fatalf("ReloadChildrenOf: %v", err)
	}
	if n := f.tree.Len(); n != 2 {
		t.Errorf("expected root and keep only, got %d nodes", n)
	}
	if _, ok := f.tree.Lookup("/old/deep/y"); ok {
		t.Error("pruned subtree still reachable")
	}
}

func TestNameCollisionKeepsBothNodes(t *testing.T) {
	f := newFixture(t)
	f.remote.set("/", folder("etl"))
	f.writeLocal(t, "etl.py")

	children, err := f.tree.GetChildrenOf(context.Background(), "/")
	if err != nil {
		t.Fatalf("GetChildrenOf: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	dir, ok := f.tree.Node(models.NodeKey{Path: "/etl", Container: true})
	if !ok {
		t.Fatal("missing directory node")
	}
	leaf, ok := f.tree.Node(models.NodeKey{Path: "/etl"})
	if !ok {
		t.Fatal("missing leaf node")
	}
	if dir == leaf {
		t.Error("collision must yield two nodes")
	}
	if got, _ := f.tree.Lookup("/etl"); got != dir {
		t.Error("Lookup should prefer the container")
	}
}

func TestInvalidateAllAndOlderThan(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	remote := newFakeRemote()
	remote.set("/", folder("a"))
	remote.set("/a", nb("x"))
	tr := New(Config{
		Namespace: "jobs",
		Remote:    remote,
		Now:       func() time.Time { return now },
	})
	ctx := context.Background()

	tr.GetChildrenOf(ctx, "/")
	now = now.Add(time.Minute)
	tr.GetChildrenOf(ctx, "/a")

	if n := tr.InvalidateOlderThan(30 * time.Second); n != 1 {
		t.Errorf("expected only the root expired, got %d", n)
	}
	a, _ := tr.Lookup("/a")
	if tr.Root().IsLoaded() || !a.IsLoaded() {
		t.Error("unexpected loaded state after InvalidateOlderThan")
	}

	tr.GetChildrenOf(ctx, "/")
	if n := tr.InvalidateAll(); n != 2 {
		t.Errorf("expected 2 invalidated, got %d", n)
	}
	if n := tr.InvalidateAll(); n != 0 {
		t.Errorf("second InvalidateAll should find nothing, got %d", n)
	}
}

func TestResolveErrors(t *testing.T) {
	f := newFixture(t)
	f.remote.set("/", nb("leaf"))
	ctx := context.Background()

	if _, err := f.tree.GetChildrenOf(ctx, "/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := f.tree.GetChildrenOf(ctx, "/leaf"); !errors.Is(err, ErrNotContainer) {
		t.Errorf("expected ErrNotContainer, got %v", err)
	}

	leaf, _ := f.tree.Lookup("/leaf")
	children, err := leaf.GetChildren(ctx, true)
	if err != nil || children != nil {
		t.Errorf("leaf GetChildren = %v, %v", children, err)
	}
}

func TestUnmirroredNamespace(t *testing.T) {
	remote := newFakeRemote()
	remote.set("/", models.RemoteItem{Name: "0123-abc", Label: "Shared", Kind: models.KindCluster})
	tr := New(Config{Namespace: "clusters", Remote: remote})

	children, err := tr.GetChildrenOf(context.Background(), "/")
	if err != nil {
		t.Fatalf("GetChildrenOf: %v", err)
	}
	if len(children) != 1 || children[0].Presence() != models.OnlineOnly || children[0].Label() != "Shared" {
		t.Errorf("unexpected children %v", children)
	}
	if children[0].LocalPath() != "" {
		t.Error("unmirrored nodes have no local path")
	}
}
