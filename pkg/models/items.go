package models

import "time"

// Presence classifies where a node exists.
type Presence int

const (
	PresenceUnknown Presence = iota
	OnlineOnly
	LocalOnly
	Synced
)

func (p Presence) String() string {
	switch p {
	case OnlineOnly:
		return "online"
	case LocalOnly:
		return "local"
	case Synced:
		return "synced"
	default:
		return "unknown"
	}
}

// RemoteItem is one entry of a remote namespace listing.
type RemoteItem struct {
	Name    string `json:"name"`            // final path segment, the matching key
	Label   string `json:"label,omitempty"` // display label, defaults to Name
	Path    string `json:"path"`
	Kind    Kind   `json:"kind"`
	ID      string `json:"id,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// DisplayLabel returns Label, falling back to Name.
func (r RemoteItem) DisplayLabel() string {
	if r.Label != "" {
		return r.Label
	}
	return r.Name
}

// LocalItem is one entry of the local sync folder.
type LocalItem struct {
	Name    string    `json:"name"` // file name on disk, extension included
	Path    string    `json:"path"` // absolute local path
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// NodeKey identifies a node inside one namespace tree. A container and a
// leaf may share a logical path when a local file collides with a
// directory of the same stripped name.
type NodeKey struct {
	Path      string
	Container bool
}

func (k NodeKey) String() string {
	if k.Container {
		return k.Path
	}
	return k.Path + "#leaf"
}

// NotebookInfo is the payload of workspace notebooks.
type NotebookInfo struct {
	ObjectID int64  `json:"object_id"`
	Language string `json:"language"`
}

// FileInfo is the payload of workspace files, libraries and DBFS files.
type FileInfo struct {
	ObjectID int64     `json:"object_id,omitempty"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mtime"`
}

// ClusterInfo is the payload of clusters.
type ClusterInfo struct {
	State        string `json:"state"`
	SparkVersion string `json:"spark_version"`
	Source       string `json:"source"`
}

// JobInfo is the payload of job definitions.
type JobInfo struct {
	JobID       int64     `json:"job_id"`
	Schedule    string    `json:"schedule,omitempty"`
	PauseStatus string    `json:"pause_status,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RunInfo is the payload of job runs.
type RunInfo struct {
	RunID          int64     `json:"run_id"`
	JobID          int64     `json:"job_id"`
	LifeCycleState string    `json:"life_cycle_state"`
	ResultState    string    `json:"result_state,omitempty"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time,omitempty"`
}

// Running reports whether the run has not reached a terminal state.
func (r RunInfo) Running() bool {
	return r.EndTime.IsZero() && r.ResultState == ""
}

// SecretScopeInfo is the payload of secret scopes.
type SecretScopeInfo struct {
	BackendType string `json:"backend_type"`
	ReadOnly    bool   `json:"read_only"`
}

// SecretInfo is the payload of secrets. Values are never listed.
type SecretInfo struct {
	LastUpdated time.Time `json:"last_updated"`
}

// RepoInfo is the payload of git repos.
type RepoInfo struct {
	RepoID   int64  `json:"repo_id"`
	URL      string `json:"url"`
	Provider string `json:"provider"`
	Branch   string `json:"branch"`
}

// WorkspaceInfo is the payload of BI workspaces.
type WorkspaceInfo struct {
	OnDedicatedCapacity bool `json:"on_dedicated_capacity"`
}

// DatasetInfo is the payload of BI datasets.
type DatasetInfo struct {
	ConfiguredBy  string `json:"configured_by"`
	IsRefreshable bool   `json:"is_refreshable"`
}

// TableInfo is the payload of dataset tables.
type TableInfo struct {
	TableID  int64 `json:"table_id"`
	IsHidden bool  `json:"is_hidden"`
}

// PartitionInfo is the payload of table partitions.
type PartitionInfo struct {
	PartitionID int64     `json:"partition_id"`
	State       int       `json:"state"`
	Mode        int       `json:"mode"`
	RefreshedAt time.Time `json:"refreshed_at"`
}

// CapacityInfo is the payload of BI capacities.
type CapacityInfo struct {
	SKU    string `json:"sku"`
	State  string `json:"state"`
	Region string `json:"region"`
}

// Timestamp returns the time used by OrderNewestFirst for a payload.
func Timestamp(payload any) time.Time {
	switch p := payload.(type) {
	case RunInfo:
		return p.StartTime
	case JobInfo:
		return p.CreatedAt
	case FileInfo:
		return p.ModTime
	case PartitionInfo:
		return p.RefreshedAt
	case SecretInfo:
		return p.LastUpdated
	}
	return time.Time{}
}
