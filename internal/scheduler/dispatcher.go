package scheduler

import (
	"cotick/internal/types"
)

// ChannelDispatcher forwards won completions onto the in-process channel
// consumed by the timer core. The send never blocks: if the channel is full
// the signal is dropped with an error, the attempt is logged as failed, and
// the reconciliation monitor picks the timer up on its next sweep.
type ChannelDispatcher struct {
	ch chan<- types.CompletionSignal
}

// NewChannelDispatcher wraps the completion signal channel.
func NewChannelDispatcher(ch chan<- types.CompletionSignal) *ChannelDispatcher {
	return &ChannelDispatcher{ch: ch}
}

// DispatchCompletion implements SignalDispatcher.
func (d *ChannelDispatcher) DispatchCompletion(signal types.CompletionSignal) error {
	select {
	case d.ch <- signal:
		return nil
	default:
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			"completion signal channel full; signal dropped", nil)
	}
}

var _ SignalDispatcher = (*ChannelDispatcher)(nil)
