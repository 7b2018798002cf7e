// Package reconcile merges a remote listing and a local sync folder
// listing of one directory level into a single ordered child set.
package reconcile

import (
	"fmt"
	"sort"

	"golang.org/x/text/cases"

	"github.com/cloudtree/cloudtree/pkg/mirror"
	"github.com/cloudtree/cloudtree/pkg/models"
	"github.com/cloudtree/cloudtree/pkg/tree"
)

// WarningReason classifies a non-fatal merge problem.
type WarningReason string

const (
	// UnsupportedLocalItem is a local file whose extension is not in the
	// export-format table. The file is skipped.
	UnsupportedLocalItem WarningReason = "unsupported_local_item"
	// NameCollision is a directory and a file sharing one logical name.
	// Both are kept as separate entries.
	NameCollision WarningReason = "name_collision"
	// DuplicateLocalItem is a second local file mapping to a logical name
	// already taken, e.g. foo.py next to foo.sql. Only the first is kept.
	DuplicateLocalItem WarningReason = "duplicate_local_item"
	// DuplicateRemoteItem is a remote entry repeating the name and kind of
	// an earlier one in the same listing. Only the first is kept.
	DuplicateRemoteItem WarningReason = "duplicate_remote_item"
)

// Warning is surfaced on the populated node; it never aborts a merge.
type Warning struct {
	Reason WarningReason
	Path   string // logical child path
	Name   string // offending name as found
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s (%s)", w.Reason, w.Path, w.Name)
}

// Entry is one merged child.
type Entry struct {
	Name      string // logical name, the matching key
	Path      string
	Label     string
	Kind      models.Kind
	Container bool
	Presence  models.Presence
	Remote    *models.RemoteItem // nil when LocalOnly
	Local     *models.LocalItem  // nil when OnlineOnly
	Payload   any
}

// Key returns the identity map key of the entry.
func (e Entry) Key() models.NodeKey {
	return models.NodeKey{Path: e.Path, Container: e.Container}
}

// Result is the outcome of one merge.
type Result struct {
	Entries  []Entry
	Warnings []Warning
}

// Engine merges listings. It holds no state between calls.
type Engine struct {
	mapper *mirror.ExtensionMapper
}

// New returns an engine. A nil mapper makes local names match verbatim,
// which is how raw file namespaces such as DBFS are mirrored.
func New(mapper *mirror.ExtensionMapper) *Engine {
	return &Engine{mapper: mapper}
}

// Mapper returns the export-format table, nil for raw names.
func (e *Engine) Mapper() *mirror.ExtensionMapper {
	return e.mapper
}

type key struct {
	name      string
	container bool
}

// Merge builds the child set of parentPath. Ordering follows order; the
// result is deterministic for identical inputs.
func (e *Engine) Merge(parentPath string, remote []models.RemoteItem, local []models.LocalItem, order models.Order) Result {
	parentPath = tree.Clean(parentPath)

	var res Result
	index := make(map[key]int, len(remote)+len(local))

	for i := range remote {
		r := &remote[i]
		k := key{name: r.Name, container: r.Kind.IsContainer()}
		if _, dup := index[k]; dup {
			res.Warnings = append(res.Warnings, Warning{
				Reason: DuplicateRemoteItem,
				Path:   tree.BuildChildPath(parentPath, r.Name),
				Name:   r.Name,
			})
			continue
		}
		index[k] = len(res.Entries)
		res.Entries = append(res.Entries, Entry{
			Name:      r.Name,
			Path:      tree.BuildChildPath(parentPath, r.Name),
			Label:     r.DisplayLabel(),
			Kind:      r.Kind,
			Container: k.container,
			Presence:  models.OnlineOnly,
			Remote:    r,
			Payload:   r.Payload,
		})
	}

	for i := range local {
		l := &local[i]
		k, kind, payload, ok := e.localKey(l, index)
		if !ok {
			res.Warnings = append(res.Warnings, Warning{
				Reason: UnsupportedLocalItem,
				Path:   tree.BuildChildPath(parentPath, l.Name),
				Name:   l.Name,
			})
			continue
		}

		if at, found := index[k]; found {
			entry := &res.Entries[at]
			if entry.Local != nil {
				res.Warnings = append(res.Warnings, Warning{
					Reason: DuplicateLocalItem,
					Path:   entry.Path,
					Name:   l.Name,
				})
				continue
			}
			entry.Local = l
			entry.Presence = models.Synced
			continue
		}

		index[k] = len(res.Entries)
		res.Entries = append(res.Entries, Entry{
			Name:      k.name,
			Path:      tree.BuildChildPath(parentPath, k.name),
			Label:     k.name,
			Kind:      kind,
			Container: k.container,
			Presence:  models.LocalOnly,
			Local:     l,
			Payload:   payload,
		})
	}

	for k, at := range index {
		if !k.container {
			continue
		}
		if _, clash := index[key{name: k.name}]; clash {
			res.Warnings = append(res.Warnings, Warning{
				Reason: NameCollision,
				Path:   res.Entries[at].Path,
				Name:   k.name,
			})
		}
	}
	sort.SliceStable(res.Warnings, func(a, b int) bool {
		if res.Warnings[a].Path != res.Warnings[b].Path {
			return res.Warnings[a].Path < res.Warnings[b].Path
		}
		return res.Warnings[a].Reason < res.Warnings[b].Reason
	})

	sortEntries(res.Entries, order)
	return res
}

// localKey derives the matching key of a local entry. A file whose full
// name equals a remote leaf name matches that leaf before any extension
// is stripped.
func (e *Engine) localKey(l *models.LocalItem, index map[key]int) (key, models.Kind, any, bool) {
	if l.IsDir {
		return key{name: l.Name, container: true}, models.KindDirectory, nil, true
	}

	file := models.FileInfo{Size: l.Size, ModTime: l.ModTime}
	exact := key{name: l.Name}
	if _, ok := index[exact]; ok || e.mapper == nil {
		return exact, models.KindFile, file, true
	}

	stem, language, ok := e.mapper.Match(l.Name)
	if !ok {
		return key{}, "", nil, false
	}
	return key{name: stem}, models.KindNotebook, models.NotebookInfo{Language: language}, true
}

func sortEntries(entries []Entry, order models.Order) {
	switch order {
	case models.OrderNewestFirst:
		sort.SliceStable(entries, func(a, b int) bool {
			ta, tb := models.Timestamp(entries[a].Payload), models.Timestamp(entries[b].Payload)
			if ta.IsZero() != tb.IsZero() {
				return !ta.IsZero()
			}
			return ta.After(tb)
		})
	default:
		// A Caser is stateful, so each sort gets its own.
		fold := cases.Fold()
		keys := make([]string, len(entries))
		for i := range entries {
			keys[i] = fold.String(entries[i].Label)
		}
		idx := make([]int, len(entries))
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return keys[idx[a]] < keys[idx[b]]
		})
		sorted := make([]Entry, len(entries))
		for i, j := range idx {
			sorted[i] = entries[j]
		}
		copy(entries, sorted)
	}
}
