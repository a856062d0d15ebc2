package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"roomrelay/cmd/identity/ids"
)

const (
	resubscribeMin = 500 * time.Millisecond
	resubscribeMax = 30 * time.Second
)

// InstanceConfig wires an Instance. Store and Members are required.
type InstanceConfig struct {
	Log     *slog.Logger
	Store   MessageStore
	Members MembershipBackend
	// Channel links this instance to its peers. Nil runs the instance alone.
	Channel Channel
	// Metrics defaults to unregistered collectors.
	Metrics *Metrics
	// FallbackAll delivers events for rooms with no cached members to every
	// local connection.
	FallbackAll bool
	// ID tags published frames. Defaults to a fresh ULID.
	ID string
}

// Instance is one relay process: the state every session on it shares.
//
// Ownership model:
//   - Registry and the Membership cache are instance-local and die with it.
//   - Store and the membership backend are shared by all instances.
//   - Fanout is the only path between instances.
type Instance struct {
	ID  string
	log *slog.Logger

	Registry   *Registry
	Membership *Membership
	Store      MessageStore
	Fanout     *Fanout
	Metrics    *Metrics
}

// NewInstance constructs an Instance from cfg.
func NewInstance(cfg InstanceConfig) (*Instance, error) {
	if cfg.Store == nil {
		return nil, errors.New("realtime: nil message store")
	}
	if cfg.Members == nil {
		return nil, errors.New("realtime: nil membership backend")
	}
	log := cfg.Log
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	id := cfg.ID
	if id == "" {
		var err error
		if id, err = ids.NewULID(time.Now()); err != nil {
			return nil, fmt.Errorf("instance id: %w", err)
		}
	}
	log = log.With("instance_id", id)

	inst := &Instance{
		ID:         id,
		log:        log,
		Registry:   NewRegistry(),
		Membership: NewMembership(cfg.Members),
		Store:      cfg.Store,
		Metrics:    metrics,
	}
	inst.Fanout = &Fanout{
		log:         log,
		instanceID:  id,
		registry:    inst.Registry,
		members:     inst.Membership,
		channel:     cfg.Channel,
		metrics:     metrics,
		fallbackAll: cfg.FallbackAll,
	}
	return inst, nil
}

// NewSession tracks c and returns its protocol session.
func (i *Instance) NewSession(c *Client) *Session {
	i.Registry.Track(c)
	i.Metrics.Connections.Set(float64(i.Registry.Len()))
	return &Session{
		inst:   i,
		client: c,
		log:    i.log.With("conn_id", c.ConnID),
		state:  StateUnjoined,
		rooms:  make(map[string]struct{}),
	}
}

// Run consumes the shared channel until ctx is done, resubscribing with
// backoff when the subscription fails or is lost.
func (i *Instance) Run(ctx context.Context) error {
	backoff := resubscribeMin
	for {
		started := time.Now()
		err := i.Fanout.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		i.Metrics.BackendErrors.WithLabelValues(opOf(err)).Inc()
		if time.Since(started) > resubscribeMax {
			backoff = resubscribeMin
		}
		i.log.Error("fanout.subscription.fail", "err", err, "retry_in", backoff.String())

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		backoff = min(backoff*2, resubscribeMax)
	}
}
