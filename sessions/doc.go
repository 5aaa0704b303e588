// Package sessions owns the session lifecycle of the engine: the session-id
// namespace, per-session activity tracking and the ordered notification
// channel each session carries.
//
// Layers & Roles
//
//	Manager          -> create / lookup / touch / close, optional idle expiry
//	Session          -> per-client state (ids, timestamps, negotiated version)
//	Channel          -> ordered outbound notification queue for one session
//	NotificationHost -> storage and fan-out backing every Channel
//
// # Host Interface
//
// NotificationHost abstracts the ordered per-session message log consumed by
// streaming transports:
//   - PublishSession   : append a message and return its event id
//   - SubscribeSession : deliver messages in order, resuming after lastEventID
//   - CleanupSession   : drop the log
//
// Implementations
//
//	memoryhost : in-memory reference used for tests and single-process servers
//	redishost  : Redis Streams backed implementation
//
// Sessions themselves are process-local; only the notification log may live
// in an external host.
package sessions
