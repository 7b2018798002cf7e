// Package remote turns the opaque JSON client into typed child listings,
// one Lister per namespace.
package remote

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/cloudtree/cloudtree/pkg/models"
)

// Fetcher is the JSON capability the listers consume. *client.Client
// implements it.
type Fetcher interface {
	Fetch(ctx context.Context, endpoint string, params url.Values, out any) error
	Post(ctx context.Context, endpoint string, body, out any) error
}

// Lister lists the remote children of a namespace path.
type Lister interface {
	List(ctx context.Context, path string) ([]models.RemoteItem, error)
}

// Platforms.
const (
	PlatformDatabricks = "databricks"
	PlatformPowerBI    = "powerbi"
)

// Namespace names.
const (
	Workspace  = "workspace"
	DBFS       = "dbfs"
	Clusters   = "clusters"
	Jobs       = "jobs"
	Secrets    = "secrets"
	Repos      = "repos"
	Workspaces = "workspaces"
	Capacities = "capacities"
)

// Namespace describes one independently cached namespace of a platform.
type Namespace struct {
	Name   string
	Lister Lister
	// Mirrored namespaces are reconciled against the local sync folder.
	Mirrored bool
	// StripExtensions makes local file names match remote items through
	// the export-format table instead of verbatim.
	StripExtensions bool
}

// Namespaces returns the namespaces of platform, in display order. It
// returns nil for an unknown platform.
func Namespaces(platform string, f Fetcher) []Namespace {
	switch platform {
	case PlatformDatabricks:
		return []Namespace{
			{Name: Workspace, Lister: NewWorkspaceLister(f), Mirrored: true, StripExtensions: true},
			{Name: DBFS, Lister: NewDBFSLister(f), Mirrored: true},
			{Name: Clusters, Lister: NewClusterLister(f)},
			{Name: Jobs, Lister: NewJobLister(f)},
			{Name: Secrets, Lister: NewSecretLister(f)},
			{Name: Repos, Lister: NewRepoLister(f)},
		}
	case PlatformPowerBI:
		return []Namespace{
			{Name: Workspaces, Lister: NewWorkspacesLister(f)},
			{Name: Capacities, Lister: NewCapacityLister(f)},
		}
	}
	return nil
}

func wrap(namespace, path string, err error) error {
	if err == nil {
		return nil
	}
	return &models.RemoteError{Namespace: namespace, Path: path, Err: err}
}

func fromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
