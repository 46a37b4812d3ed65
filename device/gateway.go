package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/mbocsi/deviceio/proto"
	"github.com/mbocsi/deviceio/store"
)

// Gateway is the device that owns the connection to the service. Paired
// devices report through it and receive their commands from it.
type Gateway struct {
	id     string
	store  store.Store
	logger *slog.Logger

	pairMu sync.Mutex // serialises writes of the paired list

	mu       sync.RWMutex
	sender   Sender
	paired   map[string]Device                   // attached during this run
	known    map[string]proto.DeviceRegistration // every pairing, including earlier runs
	restored bool
}

func NewGateway(id string, st store.Store, logger *slog.Logger) *Gateway {
	if st == nil {
		st = store.NewMemoryStore()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		id:     id,
		store:  st,
		logger: logger.With("gateway", id),
		paired: make(map[string]Device),
		known:  make(map[string]proto.DeviceRegistration),
	}
}

// Attach sets the client used for every outbound payload.
func (g *Gateway) Attach(s Sender) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sender = s
}

func (g *Gateway) DeviceID() string { return g.id }

func (g *Gateway) DeviceType() int { return TypeGateway }

func (g *Gateway) FlushMeasures(ctx context.Context) error { return nil }

// ExecuteCommands accepts commands addressed to the gateway itself. The
// gateway has nothing to switch, so every command is reported as done.
func (g *Gateway) ExecuteCommands(ctx context.Context, cmds []proto.Command) ([]proto.CommandResponse, error) {
	g.logger.Warn("The gateway does not support commands", "count", len(cmds))
	responses := make([]proto.CommandResponse, 0, len(cmds))
	for _, cmd := range cmds {
		responses = append(responses, cmd.Respond(proto.ResultSuccess))
	}
	return responses, nil
}

func (g *Gateway) SendMeasures(ctx context.Context, measures []proto.Measure) error {
	return g.send(ctx, proto.Payload{Measures: measures})
}

// AddDevices announces devices to the service.
func (g *Gateway) AddDevices(ctx context.Context, devices ...Device) error {
	if len(devices) == 0 {
		return nil
	}
	regs := make([]proto.DeviceRegistration, 0, len(devices))
	for _, d := range devices {
		regs = append(regs, registration(d))
	}
	return g.send(ctx, proto.Payload{AddDevices: regs})
}

// Restore loads the paired list persisted by earlier runs. Pair restores on
// first use when it has not been called.
func (g *Gateway) Restore(ctx context.Context) ([]proto.DeviceRegistration, error) {
	regs, err := g.PairedDevices(ctx)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	for _, r := range regs {
		if _, ok := g.known[r.DeviceID]; !ok {
			g.known[r.DeviceID] = r
		}
	}
	g.restored = true
	g.mu.Unlock()

	g.logger.Info("Restored paired devices", "count", len(regs))
	return regs, nil
}

// Pair records d as a device of this gateway, persists the paired list and
// announces d to the service. Pairings from earlier runs are kept.
func (g *Gateway) Pair(ctx context.Context, d Device) error {
	if strings.TrimSpace(d.DeviceID()) == "" {
		return errors.New("device: cannot pair a device without id")
	}

	g.pairMu.Lock()
	defer g.pairMu.Unlock()

	g.mu.RLock()
	restored := g.restored
	g.mu.RUnlock()
	if !restored {
		if _, err := g.Restore(ctx); err != nil {
			return fmt.Errorf("failed to restore paired devices: %w", err)
		}
	}

	g.mu.Lock()
	g.paired[d.DeviceID()] = d
	g.known[d.DeviceID()] = registration(d)
	regs := g.registrationsLocked()
	g.mu.Unlock()

	data, err := json.Marshal(regs)
	if err != nil {
		return err
	}
	if err := g.store.Set(ctx, store.KeyPairedDevices, data); err != nil {
		return fmt.Errorf("failed to persist paired devices: %w", err)
	}

	g.logger.Info("Device paired", "device_id", d.DeviceID(), "device_type", d.DeviceType())
	return g.AddDevices(ctx, d)
}

func (g *Gateway) registrationsLocked() []proto.DeviceRegistration {
	regs := make([]proto.DeviceRegistration, 0, len(g.known))
	for _, r := range g.known {
		regs = append(regs, r)
	}
	slices.SortFunc(regs, func(a, b proto.DeviceRegistration) int {
		return strings.Compare(a.DeviceID, b.DeviceID)
	})
	return regs
}

// IsPaired reports whether id was paired in this run or a restored one.
func (g *Gateway) IsPaired(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.known[id]
	return ok
}

// Device returns a paired device by id.
func (g *Gateway) Device(id string) (Device, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.paired[id]
	return d, ok
}

// PairedDevices returns the paired list as last persisted.
func (g *Gateway) PairedDevices(ctx context.Context) ([]proto.DeviceRegistration, error) {
	data, err := g.store.Get(ctx, store.KeyPairedDevices)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var regs []proto.DeviceRegistration
	if err := json.Unmarshal(data, &regs); err != nil {
		return nil, fmt.Errorf("corrupt paired device list: %w", err)
	}
	return regs, nil
}

// StoredToken returns the persisted auth token, or "" when there is none.
func (g *Gateway) StoredToken(ctx context.Context) (string, error) {
	data, err := g.store.Get(ctx, store.KeyToken)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// OnTokenRotated persists a token handed out by the service. It is called
// from the client's background goroutines.
func (g *Gateway) OnTokenRotated(token string) {
	if err := g.store.Set(context.Background(), store.KeyToken, []byte(token)); err != nil {
		g.logger.Error("Failed to persist auth token", "error", err)
		return
	}
	g.logger.Debug("The gateway got an auth token")
}

// OnCommands routes each command to the device it addresses and sends the
// collected results as one responses envelope. Commands without a device id,
// or addressed to the gateway, are executed by the gateway.
func (g *Gateway) OnCommands(ctx context.Context, cmds []proto.Command) error {
	var order []string
	batches := make(map[string][]proto.Command)
	for _, cmd := range cmds {
		target := cmd.DeviceID
		if target == "" {
			target = g.id
		}
		if _, ok := batches[target]; !ok {
			order = append(order, target)
		}
		batches[target] = append(batches[target], cmd)
	}

	var responses []proto.CommandResponse
	var errs []error
	for _, target := range order {
		batch := batches[target]
		results, err := g.execute(ctx, target, batch)
		if err != nil {
			g.logger.Warn("Command execution failed", "device_id", target, "error", err)
			errs = append(errs, err)
		}
		responses = append(responses, results...)
	}

	if len(responses) > 0 {
		if err := g.send(ctx, proto.Payload{Responses: responses}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (g *Gateway) execute(ctx context.Context, target string, batch []proto.Command) ([]proto.CommandResponse, error) {
	var d Device = g
	if target != g.id {
		var ok bool
		if d, ok = g.Device(target); !ok {
			return failAll(batch), fmt.Errorf("%w: %s", ErrUnknownDevice, target)
		}
	}

	results, err := d.ExecuteCommands(ctx, batch)
	if err != nil && len(results) == 0 {
		return failAll(batch), err
	}
	return results, err
}

func failAll(cmds []proto.Command) []proto.CommandResponse {
	responses := make([]proto.CommandResponse, 0, len(cmds))
	for _, cmd := range cmds {
		responses = append(responses, cmd.Respond(proto.ResultFailure))
	}
	return responses
}

func (g *Gateway) send(ctx context.Context, p proto.Payload) error {
	g.mu.RLock()
	s := g.sender
	g.mu.RUnlock()
	if s == nil {
		return ErrNotAttached
	}
	return s.Send(ctx, p)
}
