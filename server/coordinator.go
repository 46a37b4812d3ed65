package server

import (
	"log/slog"
	"time"

	"github.com/mbocsi/deviceio/proto"
)

// accept records an authorized envelope and forwards it to observers.
func (s *Server) accept(env proto.Envelope) {
	if err := s.registry.Apply(env); err != nil {
		slog.Warn("Dropping envelope", "proxy_id", env.ProxyID, "seq", env.Seq, "error", err)
		return
	}

	observers := s.broker.Publish(Event{ProxyID: env.ProxyID, ReceivedAt: time.Now().UTC(), Envelope: env})
	slog.Debug("Envelope accepted",
		"proxy_id", env.ProxyID,
		"seq", env.Seq,
		"measures", len(env.Measures),
		"add_devices", len(env.AddDevices),
		"responses", len(env.Responses),
		"alerts", len(env.Alerts),
		"observers", observers,
	)
}

// QueueCommand queues cmd for the proxy's next long-poll.
func (s *Server) QueueCommand(proxyID string, cmd proto.Command) (CommandRecord, error) {
	rec, err := s.registry.Enqueue(proxyID, cmd)
	if err != nil {
		return CommandRecord{}, err
	}
	slog.Info("Command queued", "proxy_id", proxyID, "command_id", rec.Command.CommandID, "device_id", cmd.DeviceID)
	return rec, nil
}
