// Package channel defines the chat platform connections TeleVPS serves.
package channel

import "context"

// Channel is a chat platform connection (Discord, Telegram). Run blocks
// until ctx is canceled and hands every inbound message to the command
// router on its own goroutine.
type Channel interface {
	Name() string
	Run(ctx context.Context) error
}
