package client

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
)

// ServiceType is the mDNS service a local deviceio emulator advertises.
const ServiceType = "_deviceio._tcp"

// DiscoveredService represents a deviceio endpoint found on the local network
type DiscoveredService struct {
	ServiceName string
	Address     string
	Port        int
	Path        string // base path from the "path=" TXT record
	TXTRecords  []string
}

// BaseURL returns the URL to use as Config.BaseURL.
func (s *DiscoveredService) BaseURL() string {
	return fmt.Sprintf("http://%s:%d%s", s.Address, s.Port, s.Path)
}

// DiscoverService returns the first deviceio service answering on mDNS
func DiscoverService(timeout time.Duration) (*DiscoveredService, error) {
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	entriesCh := make(chan *mdns.ServiceEntry, 4)

	go func() {
		defer close(entriesCh)
		if err := mdns.Lookup(ServiceType, entriesCh); err != nil {
			slog.Warn("mDNS lookup failed", "service", ServiceType, "error", err)
		}
	}()

	select {
	case entry := <-entriesCh:
		if entry == nil {
			return nil, fmt.Errorf("no %s service found", ServiceType)
		}
		return serviceFromEntry(entry)

	case <-time.After(timeout):
		return nil, fmt.Errorf("mDNS discovery timeout for %s", ServiceType)
	}
}

func serviceFromEntry(entry *mdns.ServiceEntry) (*DiscoveredService, error) {
	var address string
	if entry.AddrV4 != nil {
		address = entry.AddrV4.String()
	} else if entry.AddrV6 != nil {
		address = fmt.Sprintf("[%s]", entry.AddrV6.String())
	} else {
		return nil, fmt.Errorf("no valid address found for service")
	}

	service := &DiscoveredService{
		ServiceName: entry.Name,
		Address:     address,
		Port:        entry.Port,
		TXTRecords:  entry.InfoFields,
	}
	for _, field := range entry.InfoFields {
		if path, ok := strings.CutPrefix(field, "path="); ok {
			if path = strings.Trim(path, "/"); path != "" {
				service.Path = "/" + path
			}
		}
	}

	slog.Info("Discovered deviceio service",
		"service_name", service.ServiceName,
		"address", service.Address,
		"port", service.Port,
		"path", service.Path,
	)
	return service, nil
}
