package intercept

import (
	"fmt"

	"github.com/Rorqualx/captcharelay-go/internal/types"
)

// Relay publishes relay messages on a channel.
type Relay struct {
	channel Channel
}

// NewRelay creates a Relay publishing on ch.
func NewRelay(ch Channel) *Relay {
	return &Relay{channel: ch}
}

// Publish builds the message for call and provider and hands it to the channel once.
// A channel error or panic is returned as a *types.RelayError; it is never retried.
func (r *Relay) Publish(call InterceptedCall, provider, payload string) (msg RelayMessage, err error) {
	msg = RelayMessage{
		Type:        call.Kind,
		Data:        payload,
		URL:         call.URL,
		CaptchaType: provider,
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = types.NewPublishError(provider, call.URL, fmt.Errorf("%w: %v", types.ErrRelayPanic, rec))
		}
	}()

	if perr := r.channel.Publish(msg); perr != nil {
		return msg, types.NewPublishError(provider, call.URL, perr)
	}
	return msg, nil
}
