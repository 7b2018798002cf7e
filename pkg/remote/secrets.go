package remote

import (
	"context"
	"net/url"

	"github.com/cloudtree/cloudtree/pkg/models"
	"github.com/cloudtree/cloudtree/pkg/tree"
)

const azureKeyVaultBackend = "AZURE_KEYVAULT"

// SecretLister lists secret scopes and the secret keys inside a scope.
// Secret values are never fetched.
type SecretLister struct {
	f Fetcher
}

func NewSecretLister(f Fetcher) *SecretLister {
	return &SecretLister{f: f}
}

func (l *SecretLister) List(ctx context.Context, p string) ([]models.RemoteItem, error) {
	p = tree.Clean(p)
	segs := tree.Segments(p)
	switch len(segs) {
	case 0:
		return l.listScopes(ctx)
	case 1:
		return l.listSecrets(ctx, p, segs[0])
	}
	return nil, nil
}

func (l *SecretLister) listScopes(ctx context.Context) ([]models.RemoteItem, error) {
	var resp struct {
		Scopes []struct {
			Name        string `json:"name"`
			BackendType string `json:"backend_type"`
		} `json:"scopes"`
	}
	if err := l.f.Fetch(ctx, "/api/2.0/secrets/scopes/list", nil, &resp); err != nil {
		return nil, wrap(Secrets, tree.Root, err)
	}

	items := make([]models.RemoteItem, 0, len(resp.Scopes))
	for _, s := range resp.Scopes {
		items = append(items, models.RemoteItem{
			Name: s.Name,
			Path: tree.BuildChildPath(tree.Root, s.Name),
			Kind: models.KindSecretScope,
			Payload: models.SecretScopeInfo{
				BackendType: s.BackendType,
				ReadOnly:    s.BackendType == azureKeyVaultBackend,
			},
		})
	}
	return items, nil
}

func (l *SecretLister) listSecrets(ctx context.Context, p, scope string) ([]models.RemoteItem, error) {
	var resp struct {
		Secrets []struct {
			Key                  string `json:"key"`
			LastUpdatedTimestamp int64  `json:"last_updated_timestamp"`
		} `json:"secrets"`
	}
	if err := l.f.Fetch(ctx, "/api/2.0/secrets/list", url.Values{"scope": {scope}}, &resp); err != nil {
		return nil, wrap(Secrets, p, err)
	}

	items := make([]models.RemoteItem, 0, len(resp.Secrets))
	for _, s := range resp.Secrets {
		items = append(items, models.RemoteItem{
			Name:    s.Key,
			Path:    tree.BuildChildPath(p, s.Key),
			Kind:    models.KindSecret,
			Payload: models.SecretInfo{LastUpdated: fromMillis(s.LastUpdatedTimestamp)},
		})
	}
	return items, nil
}
