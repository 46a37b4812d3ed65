package server

import (
	"errors"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mbocsi/deviceio/proto"
)

var (
	ErrUnknownProxy   = errors.New("unknown proxy")
	ErrUnknownCommand = errors.New("unknown command")
)

type authResult int

const (
	authOK authResult = iota
	authUnknown
	authStale
)

// DeviceState is the last known state of one device behind a proxy.
type DeviceState struct {
	DeviceID   string                     `json:"deviceId"`
	DeviceType int                        `json:"deviceType,omitempty"`
	Params     map[string]proto.Parameter `json:"params,omitempty"` // keyed by Parameter.Key
	UpdatedAt  time.Time                  `json:"updatedAt,omitzero"`
}

// ProxyInfo is a snapshot of a provisioned proxy.
type ProxyInfo struct {
	ID              string        `json:"proxyId"`
	HasToken        bool          `json:"hasToken"`
	LastSeen        time.Time     `json:"lastSeen,omitzero"`
	LastSeq         int           `json:"lastSeq,omitempty"`
	Devices         []DeviceState `json:"devices"`
	PendingCommands int           `json:"pendingCommands"`
}

type proxy struct {
	id       string
	token    string
	lastSeen time.Time
	lastSeq  int
	devices  map[string]*DeviceState
	queue    *CommandQueue
	commands map[string]*CommandRecord
	order    []string // command ids in queue order
}

func (p *proxy) info() ProxyInfo {
	devices := make([]DeviceState, 0, len(p.devices))
	for _, id := range slices.Sorted(maps.Keys(p.devices)) {
		d := *p.devices[id]
		d.Params = maps.Clone(d.Params)
		devices = append(devices, d)
	}
	return ProxyInfo{
		ID:              p.id,
		HasToken:        p.token != "",
		LastSeen:        p.lastSeen,
		LastSeq:         p.lastSeq,
		Devices:         devices,
		PendingCommands: p.queue.Len(),
	}
}

func (p *proxy) device(id string) *DeviceState {
	d, ok := p.devices[id]
	if !ok {
		d = &DeviceState{DeviceID: id, Params: make(map[string]proto.Parameter)}
		p.devices[id] = d
	}
	return d
}

// ProxyRegistry holds every proxy the emulator knows, their tokens, devices
// and commands.
type ProxyRegistry struct {
	mu      sync.RWMutex
	proxies map[string]*proxy
	now     func() time.Time
}

func NewProxyRegistry() *ProxyRegistry {
	return &ProxyRegistry{proxies: make(map[string]*proxy), now: time.Now}
}

// Provision adds a proxy. Provisioning an existing proxy only replaces its
// token when one is given.
func (r *ProxyRegistry) Provision(id, token string) (ProxyInfo, error) {
	if strings.TrimSpace(id) == "" {
		return ProxyInfo{}, errors.New("proxy id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.proxies[id]
	if !ok {
		p = &proxy{
			id:       id,
			devices:  make(map[string]*DeviceState),
			queue:    NewCommandQueue(),
			commands: make(map[string]*CommandRecord),
		}
		r.proxies[id] = p
	}
	if token != "" {
		p.token = token
	}
	return p.info(), nil
}

func (r *ProxyRegistry) Get(id string) (ProxyInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.proxies[id]
	if !ok {
		return ProxyInfo{}, false
	}
	return p.info(), true
}

func (r *ProxyRegistry) List() []ProxyInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	proxies := make([]ProxyInfo, 0, len(r.proxies))
	for _, id := range slices.Sorted(maps.Keys(r.proxies)) {
		proxies = append(proxies, r.proxies[id].info())
	}
	return proxies
}

func (r *ProxyRegistry) authorize(id, token string) authResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.proxies[id]
	switch {
	case !ok:
		return authUnknown
	case p.token == "" || p.token != token:
		return authStale
	}
	return authOK
}

// IssueToken replaces the proxy's token with a fresh one.
func (r *ProxyRegistry) IssueToken(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proxies[id]
	if !ok {
		return "", ErrUnknownProxy
	}
	p.token = uuid.NewString()
	return p.token, nil
}

// Apply records an accepted envelope: last contact, announced devices,
// measures and command responses.
func (r *ProxyRegistry) Apply(env proto.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proxies[env.ProxyID]
	if !ok {
		return ErrUnknownProxy
	}
	now := r.now()
	p.lastSeen = now
	p.lastSeq = env.Seq

	for _, reg := range env.AddDevices {
		d := p.device(reg.DeviceID)
		d.DeviceType = reg.DeviceType
		d.UpdatedAt = now
	}
	for _, m := range env.Measures {
		d := p.device(m.DeviceID)
		for _, param := range m.Params {
			d.Params[param.Key()] = param
		}
		d.UpdatedAt = now
	}
	for _, resp := range env.Responses {
		rec, ok := p.commands[resp.CommandID]
		if !ok {
			continue
		}
		rec.apply(resp.Result, now)
	}
	return nil
}

// Enqueue queues a command for the proxy's next long-poll. An empty command
// id is replaced by a UUID.
func (r *ProxyRegistry) Enqueue(id string, cmd proto.Command) (CommandRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proxies[id]
	if !ok {
		return CommandRecord{}, ErrUnknownProxy
	}
	if cmd.CommandID == "" {
		cmd.CommandID = uuid.NewString()
	}
	rec := &CommandRecord{Command: cmd, Status: CommandQueued, QueuedAt: r.now()}
	p.commands[cmd.CommandID] = rec
	p.order = append(p.order, cmd.CommandID)
	p.queue.Push(cmd)
	return *rec, nil
}

// Queue returns the pending command queue of a proxy.
func (r *ProxyRegistry) Queue(id string) (*CommandQueue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.proxies[id]
	if !ok {
		return nil, false
	}
	return p.queue, true
}

func (r *ProxyRegistry) MarkDelivered(id string, cmds []proto.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proxies[id]
	if !ok {
		return
	}
	now := r.now()
	p.lastSeen = now
	for _, cmd := range cmds {
		if rec, ok := p.commands[cmd.CommandID]; ok && rec.Status == CommandQueued {
			rec.Status = CommandDelivered
			rec.DeliveredAt = now
		}
	}
}

// Commands lists the command records of a proxy in queue order.
func (r *ProxyRegistry) Commands(id string) ([]CommandRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.proxies[id]
	if !ok {
		return nil, ErrUnknownProxy
	}
	records := make([]CommandRecord, 0, len(p.order))
	for _, cid := range p.order {
		records = append(records, p.commands[cid].snapshot())
	}
	return records, nil
}

func (r *ProxyRegistry) Command(id, commandID string) (CommandRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.proxies[id]
	if !ok {
		return CommandRecord{}, ErrUnknownProxy
	}
	rec, ok := p.commands[commandID]
	if !ok {
		return CommandRecord{}, ErrUnknownCommand
	}
	return rec.snapshot(), nil
}
