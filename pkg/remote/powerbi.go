package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloudtree/cloudtree/pkg/models"
	"github.com/cloudtree/cloudtree/pkg/tree"
)

// WorkspacesLister lists BI workspaces, their datasets, the tables of a
// dataset and the partitions of a table. Path segments are service ids.
type WorkspacesLister struct {
	f Fetcher
}

func NewWorkspacesLister(f Fetcher) *WorkspacesLister {
	return &WorkspacesLister{f: f}
}

func (l *WorkspacesLister) List(ctx context.Context, p string) ([]models.RemoteItem, error) {
	p = tree.Clean(p)
	segs := tree.Segments(p)
	var (
		items []models.RemoteItem
		err   error
	)
	switch len(segs) {
	case 0:
		items, err = l.listGroups(ctx)
	case 1:
		items, err = l.listDatasets(ctx, p, segs[0])
	case 2:
		items, err = l.listTables(ctx, p, segs[0], segs[1])
	case 3:
		items, err = l.listPartitions(ctx, p, segs[0], segs[1], segs[2])
	}
	if err != nil {
		return nil, wrap(Workspaces, p, err)
	}
	return items, nil
}

func (l *WorkspacesLister) listGroups(ctx context.Context) ([]models.RemoteItem, error) {
	var resp struct {
		Value []struct {
			ID                    string `json:"id"`
			Name                  string `json:"name"`
			IsOnDedicatedCapacity bool   `json:"isOnDedicatedCapacity"`
		} `json:"value"`
	}
	if err := l.f.Fetch(ctx, "/v1.0/myorg/groups", nil, &resp); err != nil {
		return nil, err
	}

	items := make([]models.RemoteItem, 0, len(resp.Value))
	for _, g := range resp.Value {
		items = append(items, models.RemoteItem{
			Name:    g.ID,
			Label:   g.Name,
			Path:    tree.BuildChildPath(tree.Root, g.ID),
			Kind:    models.KindWorkspace,
			ID:      g.ID,
			Payload: models.WorkspaceInfo{OnDedicatedCapacity: g.IsOnDedicatedCapacity},
		})
	}
	return items, nil
}

func (l *WorkspacesLister) listDatasets(ctx context.Context, p, group string) ([]models.RemoteItem, error) {
	var resp struct {
		Value []struct {
			ID            string `json:"id"`
			Name          string `json:"name"`
			ConfiguredBy  string `json:"configuredBy"`
			IsRefreshable bool   `json:"isRefreshable"`
		} `json:"value"`
	}
	if err := l.f.Fetch(ctx, "/v1.0/myorg/groups/"+group+"/datasets", nil, &resp); err != nil {
		return nil, err
	}

	items := make([]models.RemoteItem, 0, len(resp.Value))
	for _, d := range resp.Value {
		items = append(items, models.RemoteItem{
			Name:    d.ID,
			Label:   d.Name,
			Path:    tree.BuildChildPath(p, d.ID),
			Kind:    models.KindDataset,
			ID:      d.ID,
			Payload: models.DatasetInfo{ConfiguredBy: d.ConfiguredBy, IsRefreshable: d.IsRefreshable},
		})
	}
	return items, nil
}

func (l *WorkspacesLister) listTables(ctx context.Context, p, group, dataset string) ([]models.RemoteItem, error) {
	rows, err := l.query(ctx, group, dataset, "EVALUATE INFO.TABLES()")
	if err != nil {
		return nil, err
	}

	items := make([]models.RemoteItem, 0, len(rows))
	for _, r := range rows {
		id := r.int("[ID]")
		items = append(items, models.RemoteItem{
			Name:    itoa(id),
			Label:   r.string("[Name]"),
			Path:    tree.BuildChildPath(p, itoa(id)),
			Kind:    models.KindTable,
			ID:      itoa(id),
			Payload: models.TableInfo{TableID: id, IsHidden: r.bool("[IsHidden]")},
		})
	}
	return items, nil
}

func (l *WorkspacesLister) listPartitions(ctx context.Context, p, group, dataset, table string) ([]models.RemoteItem, error) {
	tableID, err := strconv.ParseInt(table, 10, 64)
	if err != nil {
		return nil, nil
	}
	dax := fmt.Sprintf("EVALUATE FILTER(INFO.PARTITIONS(), [TableID] = %d)", tableID)
	rows, err := l.query(ctx, group, dataset, dax)
	if err != nil {
		return nil, err
	}

	items := make([]models.RemoteItem, 0, len(rows))
	for _, r := range rows {
		id := r.int("[ID]")
		items = append(items, models.RemoteItem{
			Name:  itoa(id),
			Label: r.string("[Name]"),
			Path:  tree.BuildChildPath(p, itoa(id)),
			Kind:  models.KindPartition,
			ID:    itoa(id),
			Payload: models.PartitionInfo{
				PartitionID: id,
				State:       int(r.int("[State]")),
				Mode:        int(r.int("[Mode]")),
				RefreshedAt: r.time("[RefreshedTime]"),
			},
		})
	}
	return items, nil
}

type daxRow map[string]json.RawMessage

func (r daxRow) string(col string) string {
	var s string
	if json.Unmarshal(r[col], &s) == nil {
		return s
	}
	return strings.Trim(string(r[col]), `"`)
}

func (r daxRow) int(col string) int64 {
	var f float64
	if json.Unmarshal(r[col], &f) == nil {
		return int64(f)
	}
	v, _ := strconv.ParseInt(r.string(col), 10, 64)
	return v
}

func (r daxRow) bool(col string) bool {
	var b bool
	_ = json.Unmarshal(r[col], &b)
	return b
}

var daxTimeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04:05.999999999"}

func (r daxRow) time(col string) time.Time {
	s := r.string(col)
	for _, layout := range daxTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func (l *WorkspacesLister) query(ctx context.Context, group, dataset, dax string) ([]daxRow, error) {
	body := map[string]any{
		"queries":            []map[string]string{{"query": dax}},
		"serializerSettings": map[string]bool{"includeNulls": true},
	}
	var resp struct {
		Results []struct {
			Tables []struct {
				Rows []daxRow `json:"rows"`
			} `json:"tables"`
		} `json:"results"`
	}
	endpoint := fmt.Sprintf("/v1.0/myorg/groups/%s/datasets/%s/executeQueries", group, dataset)
	if err := l.f.Post(ctx, endpoint, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 || len(resp.Results[0].Tables) == 0 {
		return nil, nil
	}
	return resp.Results[0].Tables[0].Rows, nil
}

// CapacityLister lists BI capacities. Capacities are leaves of the root.
type CapacityLister struct {
	f Fetcher
}

func NewCapacityLister(f Fetcher) *CapacityLister {
	return &CapacityLister{f: f}
}

func (l *CapacityLister) List(ctx context.Context, p string) ([]models.RemoteItem, error) {
	p = tree.Clean(p)
	if p != tree.Root {
		return nil, nil
	}

	var resp struct {
		Value []struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
			SKU         string `json:"sku"`
			State       string `json:"state"`
			Region      string `json:"region"`
		} `json:"value"`
	}
	if err := l.f.Fetch(ctx, "/v1.0/myorg/capacities", nil, &resp); err != nil {
		return nil, wrap(Capacities, p, err)
	}

	items := make([]models.RemoteItem, 0, len(resp.Value))
	for _, c := range resp.Value {
		items = append(items, models.RemoteItem{
			Name:    c.ID,
			Label:   c.DisplayName,
			Path:    tree.BuildChildPath(p, c.ID),
			Kind:    models.KindCapacity,
			ID:      c.ID,
			Payload: models.CapacityInfo{SKU: c.SKU, State: c.State, Region: c.Region},
		})
	}
	return items, nil
}
