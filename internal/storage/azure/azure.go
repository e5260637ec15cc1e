// Package azure binds the queue, blob and table contracts to an Azure
// Storage account described by a single connection string.
package azure

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// RetryConfig maps onto the SDK retry policy shared by all three clients.
type RetryConfig struct {
	MaxRetries    int32
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	TryTimeout    time.Duration
}

// Config controls connectivity to the storage account.
type Config struct {
	ConnectionString string
	Queue            string
	Container        string
	Table            string
	Retry            RetryConfig
	// DisableTracing skips the otelhttp transport wrapper.
	DisableTracing bool
}

// Clients bundles the three service bindings built from one connection string.
type Clients struct {
	Info  ConnectionInfo
	Queue *Queue
	Blobs *Blobs
	Table *Table
}

// New builds the queue, blob and table clients. Nothing is created remotely.
func New(cfg Config) (*Clients, error) {
	if cfg.Queue == "" || cfg.Container == "" || cfg.Table == "" {
		return nil, fmt.Errorf("azure: queue, container and table names are required")
	}
	info, err := ParseConnectionString(cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	base := clientOptions(cfg)

	blobClient, err := azblob.NewClientFromConnectionString(info.Raw, &azblob.ClientOptions{ClientOptions: base})
	if err != nil {
		return nil, fmt.Errorf("azure: create blob client: %w", err)
	}
	queueService, err := azqueue.NewServiceClientFromConnectionString(info.Raw, &azqueue.ClientOptions{ClientOptions: base})
	if err != nil {
		return nil, fmt.Errorf("azure: create queue client: %w", err)
	}
	tableService, err := aztables.NewServiceClientFromConnectionString(info.Raw, &aztables.ClientOptions{ClientOptions: base})
	if err != nil {
		return nil, fmt.Errorf("azure: create table client: %w", err)
	}
	return &Clients{
		Info:  info,
		Queue: &Queue{name: cfg.Queue, client: queueService.NewQueueClient(cfg.Queue)},
		Blobs: &Blobs{container: cfg.Container, client: blobClient},
		Table: &Table{name: cfg.Table, service: tableService, client: tableService.NewClient(cfg.Table)},
	}, nil
}

func clientOptions(cfg Config) azcore.ClientOptions {
	opts := azcore.ClientOptions{
		Transport: defaultTransporter(!cfg.DisableTracing),
		Retry: policy.RetryOptions{
			MaxRetries:    cfg.Retry.MaxRetries,
			RetryDelay:    cfg.Retry.RetryDelay,
			MaxRetryDelay: cfg.Retry.MaxRetryDelay,
			TryTimeout:    cfg.Retry.TryTimeout,
		},
	}
	return opts
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	if t.rt == nil {
		return http.DefaultTransport.RoundTrip(req)
	}
	return t.rt.RoundTrip(req)
}

func defaultTransporter(traced bool) policy.Transporter {
	var rt http.RoundTripper = http.DefaultTransport
	if base, ok := http.DefaultTransport.(*http.Transport); ok {
		clone := base.Clone()
		if clone.MaxIdleConns == 0 {
			clone.MaxIdleConns = 256
		}
		if clone.MaxIdleConnsPerHost == 0 {
			clone.MaxIdleConnsPerHost = 64
		}
		if clone.IdleConnTimeout == 0 {
			clone.IdleConnTimeout = 90 * time.Second
		}
		if clone.TLSHandshakeTimeout == 0 {
			clone.TLSHandshakeTimeout = 10 * time.Second
		}
		rt = clone
	}
	if traced {
		rt = otelhttp.NewTransport(rt)
	}
	return transportAdapter{rt: rt}
}

func responseError(err error) (*azcore.ResponseError, bool) {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr, true
	}
	return nil, false
}

func isNotFound(err error) bool {
	respErr, ok := responseError(err)
	return ok && respErr.StatusCode == http.StatusNotFound
}

func hasErrorCode(err error, codes ...string) bool {
	respErr, ok := responseError(err)
	if !ok {
		return false
	}
	for _, code := range codes {
		if respErr.ErrorCode == code {
			return true
		}
	}
	return false
}

func isConflict(err error) bool {
	respErr, ok := responseError(err)
	return ok && respErr.StatusCode == http.StatusConflict
}
