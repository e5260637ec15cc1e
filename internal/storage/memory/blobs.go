package memory

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/queuedrain/internal/clock"
	"pkt.systems/queuedrain/internal/storage"
)

// Blobs is an in-memory block blob container.
type Blobs struct {
	container string
	baseURL   string
	clock     clock.Clock

	mu      sync.RWMutex
	created bool
	objects map[string]*blobEntry
}

type blobEntry struct {
	content      []byte
	contentType  string
	metadata     map[string]string
	lastModified time.Time
	etag         string
}

// NewBlobs returns an uncreated container.
func NewBlobs(container, baseURL string, clk clock.Clock) *Blobs {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Blobs{
		container: container,
		baseURL:   strings.TrimRight(baseURL, "/"),
		clock:     clk,
		objects:   make(map[string]*blobEntry),
	}
}

// Container returns the bound container name.
func (b *Blobs) Container() string { return b.container }

// EnsureContainer creates the container when missing.
func (b *Blobs) EnsureContainer(context.Context) error {
	b.mu.Lock()
	b.created = true
	b.mu.Unlock()
	return nil
}

// Resolve takes the blob name from the path of rawURL. Path-style URLs
// (IP or localhost hosts) carry the account as the first segment.
func (b *Blobs) Resolve(rawURL string) (storage.BlobHandle, error) {
	name, err := blobNameFromURL(rawURL)
	if err != nil {
		return storage.BlobHandle{}, err
	}
	return b.handle(name), nil
}

// Download returns a copy of the blob.
func (b *Blobs) Download(_ context.Context, h storage.BlobHandle, maxBytes int64) (storage.BlobSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.created {
		return storage.BlobSnapshot{}, fmt.Errorf("memory: container %s: %w", b.container, storage.ErrNotFound)
	}
	entry, ok := b.objects[h.Name]
	if !ok {
		return storage.BlobSnapshot{}, fmt.Errorf("memory: blob %s: %w", h.Name, storage.ErrNotFound)
	}
	if maxBytes > 0 && int64(len(entry.content)) > maxBytes {
		return storage.BlobSnapshot{}, fmt.Errorf("memory: blob %s is %d bytes: %w", h.Name, len(entry.content), storage.ErrTooLarge)
	}
	meta := make(map[string]string, len(entry.metadata))
	for k, v := range entry.metadata {
		meta[k] = v
	}
	return storage.BlobSnapshot{
		BlobHandle:   b.handle(h.Name),
		Content:      append([]byte(nil), entry.content...),
		ContentType:  entry.contentType,
		BlobType:     "BlockBlob",
		LastModified: entry.lastModified,
		ETag:         entry.etag,
		Metadata:     meta,
	}, nil
}

// Upload stores data, replacing any existing blob of that name.
func (b *Blobs) Upload(_ context.Context, name string, data []byte, opts storage.UploadOptions) (storage.BlobHandle, error) {
	if strings.TrimSpace(name) == "" {
		return storage.BlobHandle{}, fmt.Errorf("memory: blob name required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.created {
		return storage.BlobHandle{}, fmt.Errorf("memory: container %s: %w", b.container, storage.ErrNotFound)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	b.objects[name] = &blobEntry{
		content:      append([]byte(nil), data...),
		contentType:  contentType,
		metadata:     meta,
		lastModified: b.clock.Now(),
		etag:         nextETag(),
	}
	return b.handle(name), nil
}

// List returns blobs whose name starts with prefix, sorted by name.
func (b *Blobs) List(_ context.Context, prefix string) ([]storage.BlobInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.created {
		return nil, fmt.Errorf("memory: container %s: %w", b.container, storage.ErrNotFound)
	}
	out := make([]storage.BlobInfo, 0, len(b.objects))
	for name, entry := range b.objects {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		out = append(out, storage.BlobInfo{
			Name:         name,
			Size:         int64(len(entry.content)),
			ContentType:  entry.contentType,
			LastModified: entry.lastModified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes the named blob.
func (b *Blobs) Delete(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.objects[name]; !ok {
		return fmt.Errorf("memory: blob %s: %w", name, storage.ErrNotFound)
	}
	delete(b.objects, name)
	return nil
}

// SASURL returns the blob URI with an expiry marker; memory blobs need no signature.
func (b *Blobs) SASURL(_ context.Context, name string, expiry time.Time) (string, error) {
	b.mu.RLock()
	_, ok := b.objects[name]
	b.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("memory: blob %s: %w", name, storage.ErrNotFound)
	}
	q := url.Values{}
	q.Set("sp", "r")
	q.Set("se", expiry.UTC().Format(time.RFC3339))
	return b.handle(name).URI + "?" + q.Encode(), nil
}

func (b *Blobs) handle(name string) storage.BlobHandle {
	return storage.BlobHandle{
		Container: b.container,
		Name:      name,
		URI:       b.baseURL + "/" + b.container + "/" + (&url.URL{Path: name}).EscapedPath(),
	}
}

func blobNameFromURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidBlobURL, rawURL)
	}
	segments := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	host := u.Hostname()
	if net.ParseIP(host) != nil || host == "localhost" {
		segments = segments[1:]
	}
	if len(segments) < 2 || segments[0] == "" {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidBlobURL, rawURL)
	}
	name := strings.Join(segments[1:], "/")
	if name == "" {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidBlobURL, rawURL)
	}
	return name, nil
}
