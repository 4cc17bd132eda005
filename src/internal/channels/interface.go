package channels

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownChannel = errors.New("unknown channel")
	ErrUnknownAccount = errors.New("unknown account")
	ErrNotConnected   = errors.New("account not connected")
	ErrBadAccountID   = errors.New("account id must look like <channel>:<account>")
)

// Inbound is a message a persona account received from the outside.
type Inbound struct {
	Channel string `json:"channel"`
	// AccountID is the receiving account, qualified as "<channel>:<account>".
	AccountID string `json:"account_id"`
	// Sender is the conversation partner as a target id: a phone number, a
	// nick, or the channel name for group chats.
	Sender string `json:"sender"`
	// From is who spoke when Sender is a group.
	From string    `json:"from,omitempty"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

type Handler func(Inbound)

// Account is one persona identity on a channel.
type Account struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Online bool   `json:"online"`
}

// Channel is a messaging network that hosts several persona accounts.
type Channel interface {
	Name() string
	Status() map[string]any
	Accounts() []Account
	// Enroll links a new account, or relinks an existing one.
	Enroll(ctx context.Context, account string) error
	Send(ctx context.Context, account, to, msg string) error
	SetMessageHandler(h Handler)
	Run(ctx context.Context) error
	Close() error
}
