package signal

import "context"

// Channel is a live signaling bus for one call or room. Implementations
// filter out the local peer's own messages and messages addressed to
// other peers before delivering on Recv.
type Channel interface {
	// Send publishes a message to every other member of the channel.
	Send(ctx context.Context, msg Message) error

	// Recv returns the inbound message stream. The channel is closed
	// when the signaling channel shuts down.
	Recv() <-chan Message

	Close() error
}
