package realtime

import (
	"context"
	"log/slog"

	v1 "roomrelay/shared/contracts/chat/v1"
)

const (
	sourceLocal  = "local"
	sourceRemote = "remote"
)

// Fanout decides which local connections receive an event and replicates
// locally originated chat messages to the other instances.
//
// Loop prevention:
//   - Only TypeMessage events from this instance's sessions are published.
//   - Frames from the channel are delivered locally and never republished.
//   - Frames carrying this instance's origin are ignored, since pub/sub echoes
//     them back to the publisher.
type Fanout struct {
	log        *slog.Logger
	instanceID string

	registry *Registry
	members  *Membership
	channel  Channel
	metrics  *Metrics

	// fallbackAll sends events for rooms with no cached members to every
	// local connection; when false such events reach nobody.
	fallbackAll bool
}

// Broadcast delivers ev locally and replicates it when it is a chat message.
// The returned error only concerns replication; local delivery is best-effort.
func (f *Fanout) Broadcast(ctx context.Context, ev v1.ServerEvent) error {
	f.deliver(ev, sourceLocal)
	if ev.EventType() != v1.TypeMessage {
		return nil
	}
	return f.PublishRemote(ctx, ev)
}

// DeliverLocally enqueues ev to the local connections it is meant for and
// returns how many accepted it.
func (f *Fanout) DeliverLocally(ev v1.ServerEvent) int {
	return f.deliver(ev, sourceLocal)
}

func (f *Fanout) deliver(ev v1.ServerEvent, source string) int {
	var targets []*Client

	room := ev.RoomKey()
	members := f.members.Members(room)
	switch {
	case room != "" && len(members) > 0:
		targets = f.registry.ConnectionsFor(members)
	case f.fallbackAll:
		f.metrics.Fallbacks.Inc()
		f.log.Debug("fanout.fallback_all", "room", room, "type", ev.EventType(), "source", source)
		targets = f.registry.All()
	default:
		f.log.Debug("fanout.unknown_room", "room", room, "type", ev.EventType(), "source", source)
		return 0
	}

	delivered := 0
	for _, c := range targets {
		if c.Enqueue(ev) {
			delivered++
			continue
		}
		f.metrics.Dropped.Inc()
	}
	f.metrics.Deliveries.WithLabelValues(source).Add(float64(delivered))
	return delivered
}

// PublishRemote sends ev to the other instances.
func (f *Fanout) PublishRemote(ctx context.Context, ev v1.ServerEvent) error {
	if f.channel == nil {
		return nil
	}
	frame, err := v1.EncodeRemoteFrame(f.instanceID, ev)
	if err != nil {
		return channelErr("fanout.publish", err)
	}
	if err := f.channel.Publish(ctx, frame); err != nil {
		return channelErr("fanout.publish", err)
	}
	f.metrics.RemotePublished.Inc()
	return nil
}

// OnRemote handles one payload received from the channel. It delivers locally
// only and reports the number of local deliveries.
func (f *Fanout) OnRemote(payload []byte) int {
	frame, ev, err := v1.DecodeRemoteFrame(payload)
	if err != nil {
		f.metrics.RemoteSkipped.Inc()
		f.log.Debug("fanout.remote.bad_frame", "err", err)
		return 0
	}
	if frame.Origin == f.instanceID {
		f.metrics.RemoteSkipped.Inc()
		return 0
	}
	return f.deliver(ev, sourceRemote)
}

// Run consumes the channel until ctx is done or the subscription is lost.
func (f *Fanout) Run(ctx context.Context) error {
	if f.channel == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	frames, err := f.channel.Subscribe(ctx)
	if err != nil {
		return channelErr("fanout.subscribe", err)
	}
	f.log.Info("fanout.subscribed", "instance_id", f.instanceID)

	for payload := range frames {
		f.OnRemote(payload)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return channelErr("fanout.subscribe", errSubscriptionLost)
}
