package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/hashicorp/mdns"
)

// BridgeService is the mDNS service type advertised by a running bridge.
const BridgeService = "_smartpower-http._tcp"

var ErrNoBridge = errors.New("no smartpower bridge found")

// DiscoveredBridge is a bridge located over mDNS.
type DiscoveredBridge struct {
	Name       string
	Address    string
	Port       int
	TXTRecords []string
}

// URL returns the bridge's HTTP base URL.
func (b *DiscoveredBridge) URL() string {
	return "http://" + net.JoinHostPort(b.Address, strconv.Itoa(b.Port))
}

// DiscoverBridge returns the first bridge that answers an mDNS query before
// timeout.
func DiscoverBridge(ctx context.Context, timeout time.Duration) (*DiscoveredBridge, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)
	params := mdns.DefaultParams(BridgeService)
	params.Entries = entriesCh
	params.Timeout = timeout

	go func() {
		defer close(entriesCh)
		if err := mdns.Query(params); err != nil {
			slog.Debug("mDNS query failed", "service", BridgeService, "error", err)
		}
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case entry, ok := <-entriesCh:
			if !ok {
				return nil, ErrNoBridge
			}
			bridge, err := bridgeFromEntry(entry)
			if err != nil {
				slog.Debug("Skipping mDNS entry", "name", entry.Name, "error", err)
				continue
			}
			slog.Info("Discovered bridge",
				"name", bridge.Name,
				"address", bridge.Address,
				"port", bridge.Port,
			)
			return bridge, nil
		case <-deadline.C:
			return nil, fmt.Errorf("%w within %s", ErrNoBridge, timeout)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func bridgeFromEntry(entry *mdns.ServiceEntry) (*DiscoveredBridge, error) {
	var address string
	switch {
	case entry.AddrV4 != nil:
		address = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		address = entry.AddrV6.String()
	default:
		return nil, errors.New("entry has no address")
	}
	return &DiscoveredBridge{
		Name:       entry.Name,
		Address:    address,
		Port:       entry.Port,
		TXTRecords: entry.InfoFields,
	}, nil
}
