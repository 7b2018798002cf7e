// Package app owns the active connection: its namespace trees, refresh
// schedulers and change feed.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/afero"

	"github.com/cloudtree/cloudtree/internal/config"
	"github.com/cloudtree/cloudtree/internal/events"
	"github.com/cloudtree/cloudtree/internal/logging"
	"github.com/cloudtree/cloudtree/pkg/cache"
	"github.com/cloudtree/cloudtree/pkg/client"
	"github.com/cloudtree/cloudtree/pkg/mirror"
	"github.com/cloudtree/cloudtree/pkg/reconcile"
	"github.com/cloudtree/cloudtree/pkg/refresh"
	"github.com/cloudtree/cloudtree/pkg/remote"
	"github.com/cloudtree/cloudtree/pkg/tree"
)

var (
	ErrNoActiveConnection = errors.New("no active connection")
	ErrUnknownNamespace   = errors.New("unknown namespace")
	ErrClosed             = errors.New("app closed")
)

// FetcherFactory builds the JSON capability for a connection.
type FetcherFactory func(conn config.Connection) remote.Fetcher

// Option configures an App.
type Option func(*App)

// WithFs sets the filesystem the local sync folder is read from.
func WithFs(fs afero.Fs) Option {
	return func(a *App) { a.fs = fs }
}

// WithFetcher replaces the HTTP client used for remote listings.
func WithFetcher(f FetcherFactory) Option {
	return func(a *App) { a.newFetcher = f }
}

// App is the application context. Exactly one connection is active at a
// time; switching discards every tree of the previous one.
type App struct {
	cfg        *config.Config
	fs         afero.Fs
	newFetcher FetcherFactory
	events     *events.Broadcaster

	mu      sync.RWMutex
	active  *connection
	running bool
	runCtx  context.Context
	closed  bool
}

type connection struct {
	conf       config.Connection
	order      []string
	trees      map[string]*cache.Tree
	schedulers map[string]*refresh.Scheduler

	feedCancel context.CancelFunc
	feedWG     sync.WaitGroup
}

// New creates an App with no active connection.
func New(cfg *config.Config, opts ...Option) *App {
	a := &App{
		cfg:    cfg,
		events: events.NewBroadcaster(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.fs == nil {
		a.fs = afero.NewOsFs()
	}
	if a.newFetcher == nil {
		a.newFetcher = defaultFetcher
	}
	return a
}

func defaultFetcher(conn config.Connection) remote.Fetcher {
	return client.New(client.Config{
		BaseURL:   conn.APIRootURL,
		Timeout:   conn.Timeout,
		AuthToken: conn.Token,
	})
}

// Config returns the loaded configuration.
func (a *App) Config() *config.Config {
	return a.cfg
}

// ActivateDefault activates the configured active connection.
func (a *App) ActivateDefault() error {
	conn, err := a.cfg.Active()
	if err != nil {
		return err
	}
	return a.Activate(conn.Name)
}

// Activate makes the named connection active, tearing down the previous
// one first.
func (a *App) Activate(name string) error {
	conf, ok := a.cfg.Connection(name)
	if !ok {
		return fmt.Errorf("connection %q not found", name)
	}
	namespaces := remote.Namespaces(conf.Platform, a.newFetcher(*conf))
	if len(namespaces) == 0 {
		return fmt.Errorf("connection %q: unsupported platform %q", name, conf.Platform)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}

	a.teardownLocked()
	c := a.build(*conf, namespaces)
	a.active = c
	if a.running {
		a.startLocked(c)
	}

	logging.Info("connection activated",
		logging.String("connection", conf.Name),
		logging.String("platform", conf.Platform),
		logging.Int("namespaces", len(c.order)))
	return nil
}

func (a *App) build(conf config.Connection, namespaces []remote.Namespace) *connection {
	c := &connection{
		conf:       conf,
		trees:      make(map[string]*cache.Tree, len(namespaces)),
		schedulers: make(map[string]*refresh.Scheduler, len(namespaces)),
	}

	sched := refresh.Config{
		MaxAge:        a.cfg.Refresh.MaxAge,
		MutationDelay: a.cfg.Refresh.MutationDelay,
	}
	if a.cfg.Refresh.Enabled {
		sched.Interval = a.cfg.Refresh.Interval
	}

	for _, ns := range namespaces {
		tc := cache.Config{
			Namespace: ns.Name,
			Remote:    ns.Lister,
			Events:    a.events,
			Engine:    reconcile.New(nil),
		}
		if ns.StripExtensions {
			tc.Engine = reconcile.New(mirror.NewExtensionMapper(conf.ExportFormats))
		}
		if sub, ok := conf.Subfolder(ns.Name); ns.Mirrored && ok {
			tc.Local = mirror.NewInspector(a.fs)
			tc.Layout = mirror.Layout{Root: conf.LocalSyncFolder, Subfolder: sub}
		}

		t := cache.New(tc)
		c.order = append(c.order, ns.Name)
		c.trees[ns.Name] = t
		c.schedulers[ns.Name] = refresh.New(t, sched)
	}
	return c
}

// Start runs the schedulers and change feed of the active connection and
// of every connection activated afterwards, until ctx is done or Close.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.running {
		return
	}
	a.running = true
	a.runCtx = ctx
	if a.active != nil {
		a.startLocked(a.active)
	}
}

func (a *App) startLocked(c *connection) {
	for _, name := range c.order {
		c.schedulers[name].Start(a.runCtx)
	}
	if c.conf.EventsURL == "" {
		return
	}

	feedCtx, cancel := context.WithCancel(a.runCtx)
	c.feedCancel = cancel
	sse := client.NewSSEClient(c.conf.EventsURL)
	sse.SetAuthToken(c.conf.Token)
	evs, errs := sse.Subscribe(feedCtx)

	c.feedWG.Add(1)
	go func() {
		defer c.feedWG.Done()
		c.routeFeed(feedCtx, evs, errs)
	}()
}

// routeFeed turns change feed events into delayed refreshes of the
// parent container of each changed path.
func (c *connection) routeFeed(ctx context.Context, evs <-chan client.SSEEvent, errs <-chan error) {
	for {
		select {
		case ev, ok := <-evs:
			if !ok {
				return
			}
			s, found := c.schedulers[ev.Namespace]
			if !found {
				logging.Debug("change feed event for unknown namespace",
					logging.String("namespace", ev.Namespace),
					logging.String("path", ev.Path))
				continue
			}
			s.AfterMutation(tree.Parent(ev.Path))
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logging.Debug("change feed error", logging.Err(err))
		case <-ctx.Done():
			return
		}
	}
}

// Deactivate tears down the active connection, if any.
func (a *App) Deactivate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.teardownLocked()
}

func (a *App) teardownLocked() {
	c := a.active
	if c == nil {
		return
	}
	a.active = nil

	if c.feedCancel != nil {
		c.feedCancel()
	}
	c.feedWG.Wait()
	for _, name := range c.order {
		c.schedulers[name].Stop()
	}
	for _, name := range c.order {
		c.trees[name].InvalidateAll()
	}
	logging.Info("connection deactivated", logging.String("connection", c.conf.Name))
}

// Close tears down the active connection and disconnects subscribers.
func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.teardownLocked()
	a.closed = true
	a.events.Close()
}

// ActiveName returns the name of the active connection.
func (a *App) ActiveName() (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.active == nil {
		return "", false
	}
	return a.active.conf.Name, true
}

// Namespaces lists the namespaces of the active connection in display
// order.
func (a *App) Namespaces() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.active == nil {
		return nil
	}
	return append([]string(nil), a.active.order...)
}

// Tree returns the cache tree of namespace.
func (a *App) Tree(namespace string) (*cache.Tree, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.active == nil {
		return nil, ErrNoActiveConnection
	}
	t, ok := a.active.trees[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, namespace)
	}
	return t, nil
}

// Scheduler returns the refresh scheduler of namespace.
func (a *App) Scheduler(namespace string) (*refresh.Scheduler, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.active == nil {
		return nil, ErrNoActiveConnection
	}
	s, ok := a.active.schedulers[namespace]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, namespace)
	}
	return s, nil
}

// Subscribe returns a channel of change events across all namespaces.
func (a *App) Subscribe() chan events.Event {
	return a.events.Subscribe()
}

// SubscribeNamespace is Subscribe restricted to one namespace.
func (a *App) SubscribeNamespace(namespace string) chan events.Event {
	return a.events.SubscribeNamespace(namespace)
}

// Unsubscribe removes a subscriber.
func (a *App) Unsubscribe(ch chan events.Event) {
	a.events.Unsubscribe(ch)
}

// AfterMutation schedules a refresh of the container at path once an
// upload, download, create or delete in it has completed.
func (a *App) AfterMutation(namespace, path string) error {
	s, err := a.Scheduler(namespace)
	if err != nil {
		return err
	}
	s.AfterMutation(path)
	return nil
}

// Refresh is the manual refresh command. An empty namespace refreshes
// every namespace; an empty or root path the whole namespace.
func (a *App) Refresh(namespace, path string) error {
	if namespace == "" {
		namespaces := a.Namespaces()
		if namespaces == nil {
			return ErrNoActiveConnection
		}
		for _, ns := range namespaces {
			if err := a.Refresh(ns, ""); err != nil {
				return err
			}
		}
		return nil
	}
	s, err := a.Scheduler(namespace)
	if err != nil {
		return err
	}
	s.Refresh(path)
	return nil
}
