package discovery

import (
	"context"
	"errors"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestStartBroadcasterBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		InstanceID:    "0c2f",
		InstanceName:  "hub-west",
		ListeningPort: 8080,
		APIPath:       "/v3",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		t.Fatalf("StartBroadcaster failed: %v", err)
	}
	defer broadcaster.Stop()

	if gotInstance != "hub-west" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService || gotDomain != DefaultDomain {
		t.Fatalf("unexpected service/domain: %q %q", gotService, gotDomain)
	}
	if gotPort != 8080 {
		t.Fatalf("unexpected port: %d", gotPort)
	}
	for _, want := range []string{"instance_id=0c2f", "version=1", "api=/v3"} {
		if !slices.Contains(gotTXT, want) {
			t.Fatalf("missing TXT %q in %v", want, gotTXT)
		}
	}
}

func TestStartBroadcasterValidates(t *testing.T) {
	register := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		return nil, nil
	}
	invalid := []Config{
		{InstanceName: "hub", ListeningPort: 1, registerFn: register},
		{InstanceID: "id", ListeningPort: 1, registerFn: register},
		{InstanceID: "id", InstanceName: "hub", registerFn: register},
	}
	for _, cfg := range invalid {
		if _, err := StartBroadcaster(cfg); err == nil {
			t.Fatalf("expected error for %+v", cfg)
		}
	}
}

func TestScanCollectsHubsAndSkipsSelf(t *testing.T) {
	cfg := Config{
		ScanTimeout: 40 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("self", "me", 8080, "10.0.0.1")
			entries <- testServiceEntry("hub-b", "beta", 8081, "10.0.0.3")
			entries <- testServiceEntry("hub-a", "alpha", 8080, "10.0.0.2")
			entries <- &zeroconf.ServiceEntry{Text: []string{"version=1"}}
			<-ctx.Done()
			return nil
		},
	}

	hubs, err := Scan(context.Background(), cfg, "self")
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(hubs) != 2 {
		t.Fatalf("expected 2 hubs, got %+v", hubs)
	}
	if hubs[0].Name != "alpha" || hubs[1].Name != "beta" {
		t.Fatalf("unexpected order: %+v", hubs)
	}
	if got := hubs[0].Endpoint(); got != "http://10.0.0.2:8080" {
		t.Fatalf("unexpected endpoint: %s", got)
	}
	if hubs[0].APIPath != "/v3" || hubs[0].Version != 1 {
		t.Fatalf("unexpected TXT fields: %+v", hubs[0])
	}
}

func TestScanReturnsBrowseError(t *testing.T) {
	browseErr := errors.New("no multicast interface")
	cfg := Config{
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
			return browseErr
		},
	}

	if _, err := Scan(context.Background(), cfg, ""); !errors.Is(err, browseErr) {
		t.Fatalf("expected browse error, got %v", err)
	}
}

func TestHubEndpointFallsBackToHostName(t *testing.T) {
	hub := Hub{HostName: "hub.local.", Port: 9000}
	if got := hub.Endpoint(); got != "http://hub.local:9000" {
		t.Fatalf("unexpected endpoint: %s", got)
	}
}

func testServiceEntry(instanceID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local.",
		Port:     port,
		Text: []string{
			"instance_id=" + instanceID,
			"version=1",
			"api=/v3",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}
