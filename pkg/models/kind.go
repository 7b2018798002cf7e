// Package models contains the data types shared by the cache, the
// reconciliation engine and the remote/local listing adapters.
package models

// Kind tags the remote item type a cache node represents.
type Kind string

const (
	KindDirectory   Kind = "directory"
	KindRepo        Kind = "repo"
	KindNotebook    Kind = "notebook"
	KindFile        Kind = "file"
	KindLibrary     Kind = "library"
	KindCluster     Kind = "cluster"
	KindJob         Kind = "job"
	KindJobRun      Kind = "job_run"
	KindSecretScope Kind = "secret_scope"
	KindSecret      Kind = "secret"
	KindGitRepo     Kind = "git_repo"
	KindWorkspace   Kind = "pbi_workspace"
	KindDataset     Kind = "dataset"
	KindTable       Kind = "table"
	KindPartition   Kind = "partition"
	KindCapacity    Kind = "capacity"
)

// Order selects how a container orders its children.
type Order int

const (
	// OrderLabel sorts case-insensitively ascending by display label.
	OrderLabel Order = iota
	// OrderNewestFirst sorts by payload time, most recent first.
	OrderNewestFirst
)

// KindInfo is the per-kind behavior looked up from the dispatch table.
type KindInfo struct {
	Container bool   // node has children that can be listed
	Mirrored  bool   // children may exist in the local sync folder
	Icon      string // icon name used by UI consumers
	Order     Order  // child ordering for containers
}

var kinds = map[Kind]KindInfo{
	KindDirectory:   {Container: true, Mirrored: true, Icon: "directory"},
	KindRepo:        {Container: true, Mirrored: true, Icon: "repo"},
	KindNotebook:    {Icon: "notebook"},
	KindFile:        {Icon: "file"},
	KindLibrary:     {Icon: "library"},
	KindCluster:     {Icon: "cluster"},
	KindJob:         {Container: true, Icon: "job", Order: OrderNewestFirst},
	KindJobRun:      {Icon: "job_run"},
	KindSecretScope: {Container: true, Icon: "directory"},
	KindSecret:      {Icon: "secret"},
	KindGitRepo:     {Icon: "repo"},
	KindWorkspace:   {Container: true, Icon: "workspace"},
	KindDataset:     {Container: true, Icon: "dataset"},
	KindTable:       {Container: true, Icon: "table"},
	KindPartition:   {Icon: "partition"},
	KindCapacity:    {Icon: "capacity"},
}

// Info returns the dispatch table entry for k. Unknown kinds are leaves.
func (k Kind) Info() KindInfo {
	if info, ok := kinds[k]; ok {
		return info
	}
	return KindInfo{Icon: "file"}
}

// IsContainer reports whether nodes of this kind have children.
func (k Kind) IsContainer() bool {
	return k.Info().Container
}
