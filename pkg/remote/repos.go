package remote

import (
	"context"
	"net/url"

	"github.com/cloudtree/cloudtree/pkg/models"
	"github.com/cloudtree/cloudtree/pkg/tree"
)

const maxRepoPages = 50

// RepoLister lists git repos grouped by their user folder: the root holds
// one folder per user, each folder holds that user's repos.
type RepoLister struct {
	f Fetcher
}

func NewRepoLister(f Fetcher) *RepoLister {
	return &RepoLister{f: f}
}

type repo struct {
	ID       int64  `json:"id"`
	Path     string `json:"path"`
	URL      string `json:"url"`
	Provider string `json:"provider"`
	Branch   string `json:"branch"`
}

func (l *RepoLister) List(ctx context.Context, p string) ([]models.RemoteItem, error) {
	p = tree.Clean(p)
	segs := tree.Segments(p)
	if len(segs) > 1 {
		return nil, nil
	}

	repos, err := l.fetchAll(ctx)
	if err != nil {
		return nil, wrap(Repos, p, err)
	}

	var items []models.RemoteItem
	seen := make(map[string]bool)
	for _, r := range repos {
		// Repo paths look like /Repos/<user>/<name>.
		rs := tree.Segments(r.Path)
		if len(rs) < 3 {
			continue
		}
		user, name := rs[1], rs[len(rs)-1]

		if len(segs) == 0 {
			if seen[user] {
				continue
			}
			seen[user] = true
			items = append(items, models.RemoteItem{
				Name: user,
				Path: tree.BuildChildPath(tree.Root, user),
				Kind: models.KindDirectory,
			})
			continue
		}
		if user != segs[0] {
			continue
		}
		items = append(items, models.RemoteItem{
			Name: name,
			Path: tree.BuildChildPath(p, name),
			Kind: models.KindGitRepo,
			ID:   itoa(r.ID),
			Payload: models.RepoInfo{
				RepoID:   r.ID,
				URL:      r.URL,
				Provider: r.Provider,
				Branch:   r.Branch,
			},
		})
	}
	return items, nil
}

func (l *RepoLister) fetchAll(ctx context.Context) ([]repo, error) {
	var all []repo
	params := url.Values{}
	for page := 0; page < maxRepoPages; page++ {
		var resp struct {
			Repos         []repo `json:"repos"`
			NextPageToken string `json:"next_page_token"`
		}
		if err := l.f.Fetch(ctx, "/api/2.0/repos", params, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Repos...)
		if resp.NextPageToken == "" {
			break
		}
		params.Set("next_page_token", resp.NextPageToken)
	}
	return all, nil
}
