package azure_test

import (
	"errors"
	"strings"
	"testing"

	"pkt.systems/queuedrain/internal/storage/azure"
)

func TestParseConnectionStringAccountKey(t *testing.T) {
	t.Parallel()

	info, err := azure.ParseConnectionString("DefaultEndpointsProtocol=https;AccountName=acct;AccountKey=a2V5PT0=;EndpointSuffix=core.windows.net")
	if err != nil {
		t.Fatalf("ParseConnectionString: %v", err)
	}
	if info.AccountName != "acct" || info.AccountKey != "a2V5PT0=" {
		t.Fatalf("unexpected info %+v", info)
	}
	for svc, want := range map[string]string{
		"blob":  "https://acct.blob.core.windows.net",
		"queue": "https://acct.queue.core.windows.net",
		"table": "https://acct.table.core.windows.net",
	} {
		if got := info.Endpoint(svc); got != want {
			t.Fatalf("Endpoint(%s)=%q want %q", svc, got, want)
		}
	}
	if strings.Contains(info.String(), "a2V5PT0=") {
		t.Fatalf("String leaks key: %s", info.String())
	}
	if !strings.Contains(info.Raw, "AccountKey=a2V5PT0=;") {
		t.Fatalf("Raw lost key padding: %s", info.Raw)
	}
}

func TestParseConnectionStringDevelopment(t *testing.T) {
	t.Parallel()

	info, err := azure.ParseConnectionString("UseDevelopmentStorage=true")
	if err != nil {
		t.Fatalf("ParseConnectionString: %v", err)
	}
	if !info.Development || info.AccountName != azure.DevAccountName || info.AccountKey != azure.DevAccountKey {
		t.Fatalf("unexpected dev info %+v", info)
	}
	if got := info.Endpoint("queue"); got != "http://127.0.0.1:10001/devstoreaccount1" {
		t.Fatalf("queue endpoint=%q", got)
	}
	proxied, err := azure.ParseConnectionString("UseDevelopmentStorage=true;DevelopmentStorageProxyUri=http://azurite:9999")
	if err != nil {
		t.Fatalf("ParseConnectionString proxy: %v", err)
	}
	if got := proxied.Endpoint("table"); got != "http://azurite:10002/devstoreaccount1" {
		t.Fatalf("proxied table endpoint=%q", got)
	}
}

func TestParseConnectionStringExplicitEndpointsWithSAS(t *testing.T) {
	t.Parallel()

	info, err := azure.ParseConnectionString("BlobEndpoint=https://b.example/;QueueEndpoint=https://q.example;TableEndpoint=https://t.example;SharedAccessSignature=?sv=2022&sig=x")
	if err != nil {
		t.Fatalf("ParseConnectionString: %v", err)
	}
	if info.SAS != "sv=2022&sig=x" || info.Endpoint("blob") != "https://b.example" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestParseConnectionStringRejects(t *testing.T) {
	t.Parallel()

	for _, conn := range []string{
		"",
		"AccountName=acct",
		"AccountName=acct;garbage",
		"AccountKey=abc",
		"QueueEndpoint=https://q;SharedAccessSignature=sig",
	} {
		if _, err := azure.ParseConnectionString(conn); !errors.Is(err, azure.ErrConnectionString) {
			t.Fatalf("ParseConnectionString(%q) err=%v want %v", conn, err, azure.ErrConnectionString)
		}
	}
}

func TestNewBuildsClientsWithoutNetwork(t *testing.T) {
	t.Parallel()

	clients, err := azure.New(azure.Config{
		ConnectionString: "UseDevelopmentStorage=true",
		Queue:            "azurestoragesamplequeue",
		Container:        "azurestoragesample",
		Table:            "AzureStorageSample",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if clients.Queue.Name() != "azurestoragesamplequeue" || clients.Table.Name() != "AzureStorageSample" {
		t.Fatalf("unexpected names")
	}
	h, err := clients.Blobs.Resolve("http://127.0.0.1:10000/devstoreaccount1/othercontainer/dir/file.txt")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if h.Name != "dir/file.txt" || h.Container != "azurestoragesample" {
		t.Fatalf("handle=%+v", h)
	}
	if !strings.HasPrefix(h.URI, "http://127.0.0.1:10000/devstoreaccount1/azurestoragesample/") {
		t.Fatalf("uri=%q", h.URI)
	}
	if _, err := clients.Blobs.Resolve("relative/path"); err == nil {
		t.Fatal("expected error for relative url")
	}
	if _, err := azure.New(azure.Config{ConnectionString: "UseDevelopmentStorage=true"}); err == nil {
		t.Fatal("expected error for missing names")
	}
}
