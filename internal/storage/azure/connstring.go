package azure

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Development storage (Azurite) well-known account.
const (
	DevAccountName = "devstoreaccount1"
	DevAccountKey  = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
	devBlobPort    = 10000
	devQueuePort   = 10001
	devTablePort   = 10002
)

// ErrConnectionString reports an unusable connection string.
var ErrConnectionString = errors.New("azure: invalid connection string")

// ConnectionInfo is a parsed storage account connection string.
type ConnectionInfo struct {
	Raw            string
	Development    bool
	Protocol       string
	AccountName    string
	AccountKey     string
	SAS            string
	EndpointSuffix string
	BlobEndpoint   string
	QueueEndpoint  string
	TableEndpoint  string
}

// ParseConnectionString parses and validates conn. UseDevelopmentStorage=true
// is expanded to the explicit Azurite form, honouring DevelopmentStorageProxyUri.
func ParseConnectionString(conn string) (ConnectionInfo, error) {
	fields := map[string]string{}
	for _, part := range strings.Split(strings.TrimSpace(conn), ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return ConnectionInfo{}, fmt.Errorf("%w: segment %q has no '='", ErrConnectionString, part)
		}
		fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
	}
	if len(fields) == 0 {
		return ConnectionInfo{}, fmt.Errorf("%w: empty", ErrConnectionString)
	}
	if strings.EqualFold(fields["usedevelopmentstorage"], "true") {
		return developmentInfo(fields["developmentstorageproxyuri"]), nil
	}
	info := ConnectionInfo{
		Protocol:       fields["defaultendpointsprotocol"],
		AccountName:    fields["accountname"],
		AccountKey:     fields["accountkey"],
		SAS:            strings.TrimPrefix(fields["sharedaccesssignature"], "?"),
		EndpointSuffix: fields["endpointsuffix"],
		BlobEndpoint:   strings.TrimRight(fields["blobendpoint"], "/"),
		QueueEndpoint:  strings.TrimRight(fields["queueendpoint"], "/"),
		TableEndpoint:  strings.TrimRight(fields["tableendpoint"], "/"),
	}
	if info.Protocol == "" {
		info.Protocol = "https"
	}
	if info.EndpointSuffix == "" {
		info.EndpointSuffix = "core.windows.net"
	}
	if info.AccountKey == "" && info.SAS == "" {
		return ConnectionInfo{}, fmt.Errorf("%w: AccountKey or SharedAccessSignature required", ErrConnectionString)
	}
	if info.AccountName == "" && (info.BlobEndpoint == "" || info.QueueEndpoint == "" || info.TableEndpoint == "") {
		return ConnectionInfo{}, fmt.Errorf("%w: AccountName required unless every endpoint is explicit", ErrConnectionString)
	}
	if info.AccountKey != "" && info.AccountName == "" {
		return ConnectionInfo{}, fmt.Errorf("%w: AccountKey requires AccountName", ErrConnectionString)
	}
	info.Raw = info.render()
	return info, nil
}

func developmentInfo(proxy string) ConnectionInfo {
	host := "http://127.0.0.1"
	if proxy != "" {
		host = strings.TrimRight(proxy, "/")
		if i := strings.LastIndex(host, ":"); i > strings.Index(host, "://")+2 {
			host = host[:i]
		}
	}
	endpoint := func(port int) string {
		return fmt.Sprintf("%s:%d/%s", host, port, DevAccountName)
	}
	info := ConnectionInfo{
		Development:    true,
		Protocol:       "http",
		AccountName:    DevAccountName,
		AccountKey:     DevAccountKey,
		EndpointSuffix: "core.windows.net",
		BlobEndpoint:   endpoint(devBlobPort),
		QueueEndpoint:  endpoint(devQueuePort),
		TableEndpoint:  endpoint(devTablePort),
	}
	info.Raw = info.render()
	return info
}

// Endpoint returns the explicit or derived endpoint for service
// ("blob", "queue" or "table").
func (c ConnectionInfo) Endpoint(service string) string {
	switch service {
	case "blob":
		if c.BlobEndpoint != "" {
			return c.BlobEndpoint
		}
	case "queue":
		if c.QueueEndpoint != "" {
			return c.QueueEndpoint
		}
	case "table":
		if c.TableEndpoint != "" {
			return c.TableEndpoint
		}
	}
	return fmt.Sprintf("%s://%s.%s.%s", c.Protocol, c.AccountName, service, c.EndpointSuffix)
}

// String renders the connection string with secrets redacted.
func (c ConnectionInfo) String() string {
	redacted := c
	if redacted.AccountKey != "" {
		redacted.AccountKey = "***"
	}
	if redacted.SAS != "" {
		redacted.SAS = "***"
	}
	return redacted.render()
}

// render produces a canonical connection string every SDK parser accepts.
func (c ConnectionInfo) render() string {
	kv := map[string]string{
		"DefaultEndpointsProtocol": c.Protocol,
		"AccountName":              c.AccountName,
		"AccountKey":               c.AccountKey,
		"SharedAccessSignature":    c.SAS,
		"EndpointSuffix":           c.EndpointSuffix,
		"BlobEndpoint":             c.BlobEndpoint,
		"QueueEndpoint":            c.QueueEndpoint,
		"TableEndpoint":            c.TableEndpoint,
	}
	keys := make([]string, 0, len(kv))
	for k, v := range kv {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(kv[k])
		b.WriteByte(';')
	}
	return b.String()
}
