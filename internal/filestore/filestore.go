package filestore

import (
	"context"
	"io"
	"net/url"
	"strings"
)

// FileStore stores attachment objects under slash-separated paths.
type FileStore interface {
	// Save writes the object. It either stores the whole content or nothing.
	Save(ctx context.Context, path string, r io.Reader, mimeType string) error

	// Delete removes the object. Missing objects are not an error.
	Delete(ctx context.Context, path string) error

	// URL returns a durable, externally fetchable reference to the object.
	URL(ctx context.Context, path string) (string, error)
}

// Presigner issues short-lived direct download links for stored objects.
type Presigner interface {
	PresignGet(ctx context.Context, path string) (string, error)
}

// apiURL is the reference served back by the API file route.
func apiURL(baseURL, path string) string {
	return strings.TrimRight(baseURL, "/") + "/api/files/" + escapePath(path)
}

func escapePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
