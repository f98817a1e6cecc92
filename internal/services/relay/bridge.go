package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/pkg/errors"
)

const channelPrefix = "loc:"

func Channel(ref string) string {
	return channelPrefix + ref
}

type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type PatternSubscriber interface {
	PSubscribe(ctx context.Context, pattern string, ready chan<- struct{}, handler func(channel string, payload []byte)) error
}

// BrokerNotifier sends pings to every API process through a pub/sub broker.
type BrokerNotifier struct {
	pub Publisher
}

func NewBrokerNotifier(pub Publisher) *BrokerNotifier {
	return &BrokerNotifier{pub: pub}
}

func (n *BrokerNotifier) Notify(ctx context.Context, p *models.LocationPing) error {
	b, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal ping")
	}
	return n.pub.Publish(ctx, Channel(p.ShipmentRef), b)
}

// Listen feeds the hub from the broker until ctx is done.
func Listen(ctx context.Context, sub PatternSubscriber, hub *Hub, ready chan<- struct{}) error {
	return sub.PSubscribe(ctx, channelPrefix+"*", ready, func(channel string, payload []byte) {
		var p models.LocationPing
		if err := json.Unmarshal(payload, &p); err != nil {
			slog.Warn("bad location payload", "channel", channel, "error", err.Error())
			return
		}
		if p.ShipmentRef == "" {
			p.ShipmentRef = strings.TrimPrefix(channel, channelPrefix)
		}
		hub.Publish(&p)
	})
}
