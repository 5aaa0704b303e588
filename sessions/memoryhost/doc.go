// Package memoryhost provides an in-memory sessions.NotificationHost suitable
// for tests, development, and single-process servers. All state is ephemeral
// and discarded on process exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Ordering          : monotonic decimal IDs per host
//	Event delivery    : in order, per subscriber
//	Concurrency       : safe (mutex + per-session wakeup channel)
//
// Example:
//
//	host := memoryhost.New(memoryhost.WithMaxBacklog(1024))
//	mgr := sessions.NewManager(host)
//
// For multi-node deployments prefer redishost.
package memoryhost
