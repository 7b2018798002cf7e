// Package tree provides helpers for canonical remote-namespace paths.
//
// Canonical paths are slash separated, start with "/" and never end with
// one, except the root which is "/".
package tree

import (
	"path"
	"strings"
)

// Root is the canonical root path of every namespace.
const Root = "/"

// Clean converts p to its canonical form. Both "" and "/" denote the root.
func Clean(p string) string {
	if p == "" {
		return Root
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// BuildChildPath constructs a child path from parent + name.
func BuildChildPath(parentPath, name string) string {
	parentPath = Clean(parentPath)
	if parentPath == Root {
		return "/" + name
	}
	return parentPath + "/" + name
}

// Base returns the final segment of p, or "" for the root.
func Base(p string) string {
	p = Clean(p)
	if p == Root {
		return ""
	}
	return p[strings.LastIndex(p, "/")+1:]
}

// Parent returns the parent path of p. The root is its own parent.
func Parent(p string) string {
	p = Clean(p)
	if p == Root {
		return Root
	}
	i := strings.LastIndex(p, "/")
	if i == 0 {
		return Root
	}
	return p[:i]
}

// Segments splits p into its path segments. The root has none.
func Segments(p string) []string {
	p = Clean(p)
	if p == Root {
		return nil
	}
	return strings.Split(p[1:], "/")
}

// IsWithin reports whether p equals prefix or lies below it.
func IsWithin(p, prefix string) bool {
	p, prefix = Clean(p), Clean(prefix)
	if prefix == Root || p == prefix {
		return true
	}
	return strings.HasPrefix(p, prefix+"/")
}
