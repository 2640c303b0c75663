package gate

import (
	"context"
	"time"

	"github.com/kyla/chatcore/internal/messaging"
	"github.com/kyla/chatcore/internal/protocol"
)

const eventTimeout = 5 * time.Second

// InboundSource delivers inbound chat events. *messaging.NATSClient
// implements it.
type InboundSource interface {
	SubscribeInbound(handler messaging.Handler) error
}

// Start feeds every inbound event through the gate and hands the resulting
// instructions to sender.
func (g *Gate) Start(ctx context.Context, src InboundSource, sender messaging.Sender) error {
	return src.SubscribeInbound(func(data []byte) {
		g.Process(ctx, sender, data)
	})
}

// Process handles one raw inbound event.
func (g *Gate) Process(parent context.Context, sender messaging.Sender, data []byte) {
	ev, err := protocol.ParseInbound(data)
	if err != nil {
		g.log.Warn("invalid inbound event", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(parent, eventTimeout)
	defer cancel()

	d, err := g.Handle(ctx, ev)
	if err != nil {
		g.log.Error("gate failed", "event", ev.ID, "sender", ev.SenderUserID, "err", err)
		d.Instructions = []protocol.Relay{protocol.MustNotify(ev.SenderUserID, protocol.TypeTryAgain, nil)}
	}

	for _, r := range d.Instructions {
		if err := sender.Send(ctx, r); err != nil {
			g.log.Warn("deliver instruction", "event", ev.ID, "target", r.TargetUserID, "err", err)
		}
	}
}
