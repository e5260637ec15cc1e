package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"pkt.systems/queuedrain/internal/storage"
)

// Blobs implements storage.Blobs on one blob container.
type Blobs struct {
	container string
	client    *azblob.Client
}

// Container returns the bound container name.
func (b *Blobs) Container() string { return b.container }

// EnsureContainer creates the container, tolerating an existing one.
func (b *Blobs) EnsureContainer(ctx context.Context) error {
	if _, err := b.client.CreateContainer(ctx, b.container, nil); err != nil && !hasErrorCode(err, "ContainerAlreadyExists") {
		return fmt.Errorf("azure: create container %s: %w", b.container, err)
	}
	return nil
}

// Resolve extracts the blob name from rawURL and binds it to the container.
func (b *Blobs) Resolve(rawURL string) (storage.BlobHandle, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return storage.BlobHandle{}, fmt.Errorf("%w: %q", storage.ErrInvalidBlobURL, rawURL)
	}
	parts, err := blob.ParseURL(u.String())
	if err != nil || parts.BlobName == "" {
		return storage.BlobHandle{}, fmt.Errorf("%w: %q", storage.ErrInvalidBlobURL, rawURL)
	}
	return b.handle(parts.BlobName), nil
}

// Download streams the blob into memory, enforcing maxBytes when positive.
func (b *Blobs) Download(ctx context.Context, h storage.BlobHandle, maxBytes int64) (storage.BlobSnapshot, error) {
	resp, err := b.client.DownloadStream(ctx, b.container, h.Name, nil)
	if err != nil {
		if isNotFound(err) {
			return storage.BlobSnapshot{}, fmt.Errorf("azure: blob %s: %w", h.Name, storage.ErrNotFound)
		}
		return storage.BlobSnapshot{}, fmt.Errorf("azure: download blob %s: %w", h.Name, err)
	}
	defer resp.Body.Close()
	if maxBytes > 0 && resp.ContentLength != nil && *resp.ContentLength > maxBytes {
		return storage.BlobSnapshot{}, fmt.Errorf("azure: blob %s is %d bytes: %w", h.Name, *resp.ContentLength, storage.ErrTooLarge)
	}
	reader := io.Reader(resp.Body)
	if maxBytes > 0 {
		reader = io.LimitReader(resp.Body, maxBytes+1)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(reader); err != nil {
		return storage.BlobSnapshot{}, fmt.Errorf("azure: read blob %s: %w", h.Name, err)
	}
	if maxBytes > 0 && int64(buf.Len()) > maxBytes {
		return storage.BlobSnapshot{}, fmt.Errorf("azure: blob %s: %w", h.Name, storage.ErrTooLarge)
	}
	snap := storage.BlobSnapshot{
		BlobHandle:  b.handle(h.Name),
		Content:     buf.Bytes(),
		ContentType: deref(resp.ContentType),
		Metadata:    make(map[string]string, len(resp.Metadata)),
	}
	if resp.BlobType != nil {
		snap.BlobType = string(*resp.BlobType)
	}
	if resp.LastModified != nil {
		snap.LastModified = resp.LastModified.UTC()
	}
	if resp.ETag != nil {
		snap.ETag = string(*resp.ETag)
	}
	for k, v := range resp.Metadata {
		if v != nil {
			snap.Metadata[k] = *v
		}
	}
	return snap, nil
}

// Upload writes data as a block blob, replacing any existing blob.
func (b *Blobs) Upload(ctx context.Context, name string, data []byte, opts storage.UploadOptions) (storage.BlobHandle, error) {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	meta := make(map[string]*string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = to.Ptr(v)
	}
	_, err := b.client.UploadBuffer(ctx, b.container, name, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
		Metadata:    meta,
	})
	if err != nil {
		return storage.BlobHandle{}, fmt.Errorf("azure: upload blob %s: %w", name, err)
	}
	return b.handle(name), nil
}

// List returns blobs whose name starts with prefix.
func (b *Blobs) List(ctx context.Context, prefix string) ([]storage.BlobInfo, error) {
	opts := &azblob.ListBlobsFlatOptions{}
	if prefix != "" {
		opts.Prefix = to.Ptr(prefix)
	}
	pager := b.client.NewListBlobsFlatPager(b.container, opts)
	var out []storage.BlobInfo
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure: list blobs: %w", err)
		}
		if page.Segment == nil {
			continue
		}
		for _, item := range page.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			info := storage.BlobInfo{Name: *item.Name}
			if props := item.Properties; props != nil {
				info.Size = derefInt64(props.ContentLength)
				info.ContentType = deref(props.ContentType)
				info.LastModified = derefTime(props.LastModified)
			}
			out = append(out, info)
		}
	}
	return out, nil
}

// Delete removes the named blob.
func (b *Blobs) Delete(ctx context.Context, name string) error {
	if _, err := b.client.DeleteBlob(ctx, b.container, name, nil); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("azure: blob %s: %w", name, storage.ErrNotFound)
		}
		return fmt.Errorf("azure: delete blob %s: %w", name, err)
	}
	return nil
}

// SASURL signs a read-only URL with the account key.
func (b *Blobs) SASURL(_ context.Context, name string, expiry time.Time) (string, error) {
	client := b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(name)
	signed, err := client.GetSASURL(sas.BlobPermissions{Read: true}, expiry.UTC(), nil)
	if err != nil {
		return "", fmt.Errorf("azure: sign blob %s: %w", name, err)
	}
	return signed, nil
}

func (b *Blobs) handle(name string) storage.BlobHandle {
	return storage.BlobHandle{
		Container: b.container,
		Name:      name,
		URI:       b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(name).URL(),
	}
}
