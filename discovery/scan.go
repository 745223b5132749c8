package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// Hub is a tethering hub found on the local network.
type Hub struct {
	InstanceID string
	Name       string
	Version    int
	APIPath    string
	HostName   string
	Port       int
	Addresses  []string
	LastSeen   time.Time
}

// Endpoint returns the base URL an edge passes as tether endpoint.
func (h Hub) Endpoint() string {
	host := strings.TrimSuffix(h.HostName, ".")
	if len(h.Addresses) > 0 {
		host = h.Addresses[0]
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(h.Port))
}

// Scan browses for hubs until ctx ends or the scan timeout elapses and
// returns them sorted by name. Entries advertising selfID are skipped.
func Scan(ctx context.Context, config Config, selfID string) ([]Hub, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Hub)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				hub, ok := parseEntry(entry, selfID)
				if !ok {
					continue
				}
				hub.LastSeen = time.Now()
				collectedMu.Lock()
				collected[hub.InstanceID] = hub
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	<-scanCtx.Done()
	<-collectorDone

	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	hubs := make([]Hub, 0, len(collected))
	for _, hub := range collected {
		hubs = append(hubs, hub)
	}
	sort.Slice(hubs, func(i, j int) bool {
		if hubs[i].Name == hubs[j].Name {
			return hubs[i].InstanceID < hubs[j].InstanceID
		}
		return hubs[i].Name < hubs[j].Name
	})
	return hubs, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfID string) (Hub, bool) {
	txt := txtToMap(entry.Text)

	instanceID := strings.TrimSpace(txt["instance_id"])
	if instanceID == "" || instanceID == selfID {
		return Hub{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = instanceID
	}

	return Hub{
		InstanceID: instanceID,
		Name:       name,
		Version:    version,
		APIPath:    txt["api"],
		HostName:   entry.HostName,
		Port:       entry.Port,
		Addresses:  addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
