package statement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// ErrSourceURI is returned for malformed statement locations.
var ErrSourceURI = errors.New("statement: invalid source uri")

// ErrTooLarge is returned when a statement exceeds the configured size.
var ErrTooLarge = errors.New("statement: document too large")

// Source fetches a stored statement document.
type Source interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// GCSSource reads statements from Google Cloud Storage.
type GCSSource struct {
	client   *storage.Client
	maxBytes int64
}

// NewGCSSource wraps a process-scoped storage client.
func NewGCSSource(client *storage.Client, maxBytes int64) *GCSSource {
	return &GCSSource{client: client, maxBytes: maxBytes}
}

// SplitURI splits gs://bucket/object into its parts.
func SplitURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(uri), "gs://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrSourceURI, uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: %q", ErrSourceURI, uri)
	}
	return bucket, object, nil
}

// Fetch downloads the object named by uri.
func (s *GCSSource) Fetch(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := SplitURI(uri)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("statement: open gcs object: %w", err)
	}
	defer r.Close()

	limit := s.maxBytes
	if limit <= 0 {
		limit = r.Attrs.Size
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("statement: read gcs object: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, uri, limit)
	}
	return data, nil
}
