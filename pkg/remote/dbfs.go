package remote

import (
	"context"
	"net/url"

	"github.com/cloudtree/cloudtree/pkg/client"
	"github.com/cloudtree/cloudtree/pkg/models"
	"github.com/cloudtree/cloudtree/pkg/tree"
)

// DBFSLister lists the distributed file system.
type DBFSLister struct {
	f Fetcher
}

func NewDBFSLister(f Fetcher) *DBFSLister {
	return &DBFSLister{f: f}
}

type dbfsFile struct {
	Path             string `json:"path"`
	IsDir            bool   `json:"is_dir"`
	FileSize         int64  `json:"file_size"`
	ModificationTime int64  `json:"modification_time"`
}

func (l *DBFSLister) List(ctx context.Context, p string) ([]models.RemoteItem, error) {
	p = tree.Clean(p)
	var resp struct {
		Files []dbfsFile `json:"files"`
	}
	err := l.f.Fetch(ctx, "/api/2.0/dbfs/list", url.Values{"path": {p}}, &resp)
	if err != nil {
		if client.IsNotFound(err) {
			return nil, nil
		}
		return nil, wrap(DBFS, p, err)
	}

	items := make([]models.RemoteItem, 0, len(resp.Files))
	for _, f := range resp.Files {
		item := models.RemoteItem{
			Name: tree.Base(f.Path),
			Path: tree.Clean(f.Path),
			Kind: models.KindFile,
		}
		if f.IsDir {
			item.Kind = models.KindDirectory
		} else {
			item.Payload = models.FileInfo{Size: f.FileSize, ModTime: fromMillis(f.ModificationTime)}
		}
		items = append(items, item)
	}
	return items, nil
}
