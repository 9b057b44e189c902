package transport

import "context"

// ChatTarget addresses a chat and, for forum groups, a topic thread.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }

// Sink delivers a fully rendered text message. Implementations must honor
// ctx cancellation and must not retry internally; retry policy belongs to
// the caller.
type Sink interface {
	Send(ctx context.Context, to ChatTarget, text string) error
}

// Message is an inbound chat message (commands typed by an operator).
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int
	FromID       int64
	FromUsername string
	Text         string
}

func (m Message) Target() ChatTarget { return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID} }

// BotCommand is one entry in the chat client's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// Adapter is a bidirectional chat transport.
type Adapter interface {
	Sink
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
}

// CommandMenuUpdater is implemented by adapters that can publish a command menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
