package notify

import (
	"context"

	"github.com/nightwatch-sec/nightwatch/pkg/types"
)

// PushChannel is a placeholder transport. It registers with the
// orchestrator so rules may already reference the push channel; every
// delivery reports not_yet_implemented. A real transport replaces this
// via Orchestrator.Register without orchestrator changes.
type PushChannel struct{}

// NewPushChannel creates the push stub.
func NewPushChannel() *PushChannel { return &PushChannel{} }

// Kind implements Channel.
func (c *PushChannel) Kind() types.ChannelKind { return types.ChannelPush }

// Deliver implements Channel.
func (c *PushChannel) Deliver(_ context.Context, _ *types.Alert) Outcome {
	return Outcome{
		Channel: types.ChannelPush,
		Success: false,
		Error:   "not_yet_implemented",
	}
}
