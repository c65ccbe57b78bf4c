package radio

import (
	"context"

	"github.com/aposazhennikov/jukebox/audio"
)

// Command is a copyable, send-only handle on a Manager's inbox.
// Calls block only while the inbox is full.
type Command struct {
	inbox chan<- message
	done  <-chan struct{}
}

// Register subscribes l to the named channel.
func (c Command) Register(ctx context.Context, name string, l *audio.Listener) error {
	return c.send(ctx, name, Action{Kind: ActionRegister, Listener: l.Ref()})
}

// Next skips the named channel to the next track.
func (c Command) Next(ctx context.Context, name string) error {
	return c.send(ctx, name, Action{Kind: ActionNext})
}

// Previous switches the named channel to the previous track.
func (c Command) Previous(ctx context.Context, name string) error {
	return c.send(ctx, name, Action{Kind: ActionPrevious})
}

// Rewind restarts the current track of the named channel.
func (c Command) Rewind(ctx context.Context, name string) error {
	return c.send(ctx, name, Action{Kind: ActionRewind})
}

func (c Command) send(ctx context.Context, name string, action Action) error {
	if c.inbox == nil {
		return ErrClosed
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	select {
	case c.inbox <- message{name: name, action: action}:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
