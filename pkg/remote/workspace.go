package remote

import (
	"context"
	"net/url"

	"github.com/cloudtree/cloudtree/pkg/client"
	"github.com/cloudtree/cloudtree/pkg/models"
	"github.com/cloudtree/cloudtree/pkg/tree"
)

// WorkspaceLister lists workspace folders, notebooks, files and repos.
type WorkspaceLister struct {
	f Fetcher
}

func NewWorkspaceLister(f Fetcher) *WorkspaceLister {
	return &WorkspaceLister{f: f}
}

type workspaceObject struct {
	Path       string `json:"path"`
	ObjectType string `json:"object_type"`
	ObjectID   int64  `json:"object_id"`
	Language   string `json:"language"`
	Size       int64  `json:"size"`
	ModifiedAt int64  `json:"modified_at"`
}

var workspaceKinds = map[string]models.Kind{
	"NOTEBOOK":  models.KindNotebook,
	"FILE":      models.KindFile,
	"LIBRARY":   models.KindLibrary,
	"DIRECTORY": models.KindDirectory,
	"REPO":      models.KindRepo,
}

// List returns the objects directly below p. A path that does not exist
// remotely lists as empty.
func (l *WorkspaceLister) List(ctx context.Context, p string) ([]models.RemoteItem, error) {
	p = tree.Clean(p)
	var resp struct {
		Objects []workspaceObject `json:"objects"`
	}
	err := l.f.Fetch(ctx, "/api/2.0/workspace/list", url.Values{"path": {p}}, &resp)
	if err != nil {
		if client.IsNotFound(err) {
			return nil, nil
		}
		return nil, wrap(Workspace, p, err)
	}

	items := make([]models.RemoteItem, 0, len(resp.Objects))
	for _, o := range resp.Objects {
		kind, ok := workspaceKinds[o.ObjectType]
		if !ok {
			kind = models.KindFile
		}
		item := models.RemoteItem{
			Name: tree.Base(o.Path),
			Path: tree.Clean(o.Path),
			Kind: kind,
			ID:   itoa(o.ObjectID),
		}
		switch kind {
		case models.KindNotebook:
			item.Payload = models.NotebookInfo{ObjectID: o.ObjectID, Language: o.Language}
		case models.KindFile, models.KindLibrary:
			item.Payload = models.FileInfo{ObjectID: o.ObjectID, Size: o.Size, ModTime: fromMillis(o.ModifiedAt)}
		}
		items = append(items, item)
	}
	return items, nil
}
