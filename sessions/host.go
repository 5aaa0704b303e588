package sessions

import (
	"context"
	"errors"
)

// ErrUnknownEventID is returned by SubscribeSession when lastEventID is not
// present in the session log.
var ErrUnknownEventID = errors.New("last event id not found")

// MessageHandlerFunction handles ordered messages for a session stream.
// If the handler returns an error, the subscription will terminate with that error.
type MessageHandlerFunction func(ctx context.Context, msgID string, msg []byte) error

// NotificationHost is the storage contract behind session notification
// channels. Implementations MUST be safe for concurrent use and MUST deliver
// messages of one session to each subscriber in publish order.
type NotificationHost interface {
	// PublishSession appends data to the session log and returns its event id.
	PublishSession(ctx context.Context, sessionID string, data []byte) (eventID string, err error)
	// SubscribeSession blocks delivering messages published after lastEventID
	// (or after the call, when lastEventID is empty) until ctx ends, the
	// handler fails, or the session is cleaned up.
	SubscribeSession(ctx context.Context, sessionID string, lastEventID string, handler MessageHandlerFunction) error
	// CleanupSession discards the session log.
	CleanupSession(ctx context.Context, sessionID string) error
}
