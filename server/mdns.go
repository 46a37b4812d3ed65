package server

import (
	"log/slog"

	"github.com/hashicorp/mdns"
	"github.com/mbocsi/deviceio/client"
)

// Advertise announces the emulator as a client.ServiceType service so that
// client.DiscoverService can find it.
func Advertise(instance string, port int, basePath string) (*mdns.Server, error) {
	txt := []string{"path=" + basePath, "version=1"}
	svc, err := mdns.NewMDNSService(instance, client.ServiceType, "", "", port, nil, txt)
	if err != nil {
		return nil, err
	}
	srv, err := mdns.NewServer(&mdns.Config{Zone: svc})
	if err != nil {
		return nil, err
	}
	slog.Info("Advertising deviceio emulator", "instance", instance, "service", client.ServiceType, "port", port)
	return srv, nil
}
