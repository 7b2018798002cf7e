package remote

import (
	"context"

	"github.com/cloudtree/cloudtree/pkg/models"
	"github.com/cloudtree/cloudtree/pkg/tree"
)

// ClusterLister lists compute clusters. Clusters are leaves of the root.
type ClusterLister struct {
	f Fetcher
}

func NewClusterLister(f Fetcher) *ClusterLister {
	return &ClusterLister{f: f}
}

type cluster struct {
	ClusterID     string `json:"cluster_id"`
	ClusterName   string `json:"cluster_name"`
	State         string `json:"state"`
	SparkVersion  string `json:"spark_version"`
	ClusterSource string `json:"cluster_source"`
}

func (l *ClusterLister) List(ctx context.Context, p string) ([]models.RemoteItem, error) {
	p = tree.Clean(p)
	if p != tree.Root {
		return nil, nil
	}

	var resp struct {
		Clusters []cluster `json:"clusters"`
	}
	if err := l.f.Fetch(ctx, "/api/2.0/clusters/list", nil, &resp); err != nil {
		return nil, wrap(Clusters, p, err)
	}

	items := make([]models.RemoteItem, 0, len(resp.Clusters))
	for _, c := range resp.Clusters {
		items = append(items, models.RemoteItem{
			Name:  c.ClusterID,
			Label: c.ClusterName,
			Path:  tree.BuildChildPath(p, c.ClusterID),
			Kind:  models.KindCluster,
			ID:    c.ClusterID,
			Payload: models.ClusterInfo{
				State:        c.State,
				SparkVersion: c.SparkVersion,
				Source:       c.ClusterSource,
			},
		})
	}
	return items, nil
}
