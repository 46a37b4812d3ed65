package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/mbocsi/deviceio/proto"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBaseURL        = "https://sboxall.presencepro.com:8443/deviceio"
	DefaultQueueSize      = 10
	DefaultPollTimeout    = 60 * time.Second
	DefaultRequestTimeout = 60 * time.Second
	DefaultErrorBackoff   = time.Second
)

type State int32

const (
	StateUnregistered State = iota
	StateRegistering
	StateActive
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Config struct {
	// BaseURL is the deviceio root, e.g. "https://host:8443/deviceio".
	BaseURL string

	// ProxyID identifies the gateway to the service. Required.
	ProxyID string

	// AuthToken is the token persisted from a previous run, if any.
	AuthToken string

	// OnTokenRotated is called whenever the server hands out a new token.
	OnTokenRotated TokenHandler

	// OnCommands receives inbound commands. When nil, commands are buffered
	// and read with NextCommands.
	OnCommands CommandHandler

	// QueueSize bounds both the outbound and the inbound queue. Default: 10.
	QueueSize int

	// PollTimeout is the long-poll timeout requested from the server. Default: 60s.
	PollTimeout time.Duration

	// RequestTimeout bounds every non-poll HTTP request. Default: 60s.
	RequestTimeout time.Duration

	// ErrorBackoff is the pause after a failed long-poll iteration. Default: 1s.
	ErrorBackoff time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = DefaultErrorBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client relays device payloads to the deviceio service and receives its
// commands. Create one with NewClient, then call Start.
type Client struct {
	cfg       Config
	transport Transport
	logger    *slog.Logger

	seq      *Sequence
	outbound *Queue[proto.Envelope]
	inbound  *Queue[[]proto.Command]

	token *atomic.String
	state *atomic.Int32

	// Lifecycle
	lifeMu sync.Mutex
	ctx    context.Context // cancelled by Stop
	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewClient builds a client for cfg. A nil transport selects an HTTPTransport
// pointed at cfg.BaseURL.
func NewClient(cfg Config, t Transport) (*Client, error) {
	if strings.TrimSpace(cfg.ProxyID) == "" {
		return nil, errors.New("deviceio: proxy id is required")
	}
	cfg.applyDefaults()
	if t == nil {
		t = NewHTTPTransport(cfg.BaseURL, cfg.RequestTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:       cfg,
		transport: t,
		logger:    cfg.Logger.With("proxy_id", cfg.ProxyID),
		seq:       NewSequence(),
		outbound:  NewQueue[proto.Envelope](cfg.QueueSize),
		inbound:   NewQueue[[]proto.Command](cfg.QueueSize),
		token:     atomic.NewString(cfg.AuthToken),
		state:     atomic.NewInt32(int32(StateUnregistered)),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (c *Client) ProxyID() string { return c.cfg.ProxyID }

func (c *Client) Token() string { return c.token.Load() }

func (c *Client) State() State { return State(c.state.Load()) }

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug("State changed", "from", old.String(), "to", s.String())
	}
}

// Start checks the proxy status with the server and, if the proxy may talk to
// the service, launches the sender and long-poll loops. ErrNotRegistered and
// ErrUnauthorized are returned without starting anything.
func (c *Client) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	switch c.State() {
	case StateActive:
		return ErrAlreadyStarted
	case StateStopped:
		return ErrClientStopped
	}

	c.setState(StateRegistering)
	if err := c.checkStatus(ctx); err != nil {
		if !errors.Is(err, ErrUnauthorized) {
			c.setState(StateUnregistered)
		}
		c.logger.Error("The device is unavailable", "error", err)
		return err
	}

	if c.cfg.OnCommands == nil {
		c.logger.Warn("No command handler configured, commands are buffered for NextCommands")
	}

	g, gctx := errgroup.WithContext(c.ctx)
	g.Go(func() error {
		c.runSender(gctx)
		return nil
	})
	g.Go(func() error {
		c.runPoller(gctx)
		return nil
	})
	c.group = g

	c.setState(StateActive)
	c.logger.Info("The device can send measures from now", "base_url", c.cfg.BaseURL)
	return nil
}

// Stop signals both loops and waits for them to return. An HTTP request that
// is already in flight is allowed to finish.
func (c *Client) Stop() error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()

	if c.State() == StateStopped {
		return nil
	}
	c.cancel()

	var err error
	if c.group != nil {
		err = c.group.Wait()
	}
	c.setState(StateStopped)
	c.logger.Info("Client stopped", "pending_envelopes", c.outbound.Len())
	return err
}

func (c *Client) checkStatus(ctx context.Context) error {
	env := proto.Envelope{ProxyID: c.cfg.ProxyID, Seq: c.seq.Next()}
	body, err := c.transport.Post(ctx, env, c.token.Load())
	if err != nil {
		return fmt.Errorf("status check failed: %w", err)
	}

	var status proto.StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("invalid status check response: %w", err)
	}

	switch status.Status {
	case proto.StatusUnauthorized:
		if status.AuthToken == "" {
			return ErrUnauthorized
		}
		c.rotateToken(status.AuthToken)
	case proto.StatusUnknown:
		return ErrNotRegistered
	}
	return nil
}

func (c *Client) rotateToken(token string) {
	c.token.Store(token)
	c.logger.Info("Got a new auth token")

	if c.cfg.OnTokenRotated == nil {
		return
	}
	err := c.isolate("token handler", func() error {
		c.cfg.OnTokenRotated(token)
		return nil
	})
	if err != nil {
		c.logger.Warn("An error occured in token handler", "error", err)
	}
}

// Send queues one envelope built from the non-empty groups of p. It blocks
// while the outbound queue is full. An empty payload is a no-op.
func (c *Client) Send(ctx context.Context, p proto.Payload) error {
	if p.IsEmpty() {
		return nil
	}
	if c.ctx.Err() != nil {
		return ErrClientStopped
	}

	ctx, cancel := c.withStop(ctx)
	defer cancel()

	env := p.Envelope(c.cfg.ProxyID, c.seq.Next())
	if err := c.outbound.Enqueue(ctx, env); err != nil {
		if c.ctx.Err() != nil {
			return ErrClientStopped
		}
		return err
	}
	return nil
}

// Respond queues the final results of previously acknowledged commands.
func (c *Client) Respond(ctx context.Context, responses ...proto.CommandResponse) error {
	return c.Send(ctx, proto.Payload{Responses: responses})
}

// NextCommands blocks until a command batch is available. Only used when no
// OnCommands handler is configured.
func (c *Client) NextCommands(ctx context.Context) ([]proto.Command, error) {
	ctx, cancel := c.withStop(ctx)
	defer cancel()

	cmds, err := c.inbound.Dequeue(ctx)
	if err != nil && c.ctx.Err() != nil {
		return nil, ErrClientStopped
	}
	return cmds, err
}

// CheckAvailability asks the service health endpoint whether it is up.
func (c *Client) CheckAvailability(ctx context.Context) (bool, error) {
	body, err := c.transport.Watch(ctx)
	if err != nil {
		return false, err
	}
	return string(body) == "OK", nil
}

// withStop derives a context that also ends when the client is stopped.
func (c *Client) withStop(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// ---------- outbound ---------- //

func (c *Client) runSender(ctx context.Context) {
	for {
		env, err := c.outbound.Dequeue(ctx)
		if err != nil {
			return
		}
		if err := c.isolate("sender", func() error { return c.deliver(env) }); err != nil {
			c.logger.Error("Failed to send envelope", "seq", env.Seq, "error", err)
		}
	}
}

func (c *Client) deliver(env proto.Envelope) error {
	// In-flight requests are not tied to the stop signal.
	body, err := c.transport.Post(context.Background(), env, c.token.Load())
	if err != nil {
		return err
	}
	c.logger.Debug("Envelope sent",
		"seq", env.Seq,
		"measures", len(env.Measures),
		"add_devices", len(env.AddDevices),
		"responses", len(env.Responses),
		"alerts", len(env.Alerts),
	)

	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var status proto.StatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		c.logger.Debug("Ignoring non-JSON POST response", "seq", env.Seq, "error", err)
		return nil
	}
	if status.Status == proto.StatusUnauthorized {
		if status.AuthToken == "" {
			c.logger.Warn("Server rejected the auth token", "seq", env.Seq)
			return nil
		}
		c.rotateToken(status.AuthToken)
	}
	return nil
}

// ---------- inbound ---------- //

func (c *Client) runPoller(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := c.isolate("poller", func() error { return c.pollOnce(ctx) })
		if err == nil {
			continue
		}
		c.logger.Error("Long-poll iteration failed", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.ErrorBackoff):
		}
	}
}

func (c *Client) pollOnce(ctx context.Context) error {
	body, err := c.transport.Poll(context.Background(), c.cfg.ProxyID, c.cfg.PollTimeout, c.token.Load())
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
			// Polls never carry a new token, so ask for one with a status check.
			c.logger.Warn("Long-poll rejected the auth token, checking status", "proxy_id", c.cfg.ProxyID)
			if serr := c.checkStatus(context.Background()); serr != nil {
				c.logger.Error("Status check after rejected long-poll failed", "error", serr)
			}
		}
		return fmt.Errorf("long-poll failed: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		c.logger.Debug("Long-poll returned without commands", "timeout", c.cfg.PollTimeout)
		return nil
	}

	var resp proto.PollResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("invalid long-poll response: %w", err)
	}
	if len(resp.Commands) == 0 {
		return nil
	}
	c.logger.Debug("Commands received", "count", len(resp.Commands))

	// The placeholder acks are queued before any device code sees the batch.
	if err := c.Respond(ctx, proto.Acks(resp.Commands)...); err != nil {
		return fmt.Errorf("failed to queue command acks: %w", err)
	}
	c.dispatch(ctx, resp.Commands)
	return nil
}

func (c *Client) dispatch(ctx context.Context, cmds []proto.Command) {
	if c.cfg.OnCommands == nil {
		if err := c.inbound.Enqueue(ctx, cmds); err != nil {
			c.logger.Warn("Dropping command batch", "count", len(cmds), "error", err)
		}
		return
	}

	err := c.isolate("command handler", func() error { return c.cfg.OnCommands(ctx, cmds) })
	if err != nil {
		c.logger.Warn("An error occured in command handler", "count", len(cmds), "error", err)
	}
}

// isolate runs one unit of loop work and converts a panic into an error so a
// single bad iteration never ends a loop.
func (c *Client) isolate(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recovered from panic", "in", name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s panicked: %v", name, r)
		}
	}()
	return fn()
}
