// Package redishost implements sessions.NotificationHost on Redis Streams so
// notification channels survive across processes behind a load balancer.
//
// Each session has one stream at <prefix>stream:<sessionID>. Publishing is an
// XADD; subscribing polls with a blocking XREAD from the last delivered id.
// Stream entry ids are used verbatim as SSE event ids, so a client resuming
// with Last-Event-ID continues where it left off on any node.
//
// Example:
//
//	host, err := redishost.NewFromEnv()
//	if err != nil { ... }
//	defer host.Close()
//	mgr := sessions.NewManager(host)
package redishost
