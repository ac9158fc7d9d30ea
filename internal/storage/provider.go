// Package storage selects the artifact storage backend from configuration.
package storage

import (
	"strings"

	"storyclip/internal/ports"
)

// Provider is the storage contract used across API and worker.
type Provider = ports.StorageProvider

// Local is implemented by providers whose objects are plain files the API
// can serve directly.
type Local interface {
	Provider
	Root() string
	Path(objectKey string) (string, error)
}

// AsLocal returns p as a Local provider when it is one.
func AsLocal(p Provider) (Local, bool) {
	l, ok := p.(Local)
	return l, ok
}

// PublicURL joins base and a slash separated object key.
func PublicURL(base, objectKey string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(objectKey, "/")
}
