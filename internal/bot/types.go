package bot

import (
	"context"
)

// Bot is a chat platform adapter. Each adapter translates incoming
// platform messages into Incoming values, routes them through the
// shared Handler, and delivers the replies.
type Bot interface {
	Start(ctx context.Context) error
	Name() string
}

// Incoming is a platform-neutral inbound message. GroupID is empty for
// direct messages; session scoping depends on it. ImagePath points at a
// downloaded attachment for image-to-image draw requests.
type Incoming struct {
	UserID    string
	Username  string
	GroupID   string
	Text      string
	ImagePath string
}

// Responder delivers replies for a single inbound message.
type Responder interface {
	Reply(text string) error
	ReplyImage(path, caption string) error
}
