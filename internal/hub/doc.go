// Package hub fans live events out to every open client connection of a
// subscriber over server-sent events.
//
// The connection registry is the only place the subscriber→connections
// mapping lives. It is in-memory by design: the daemon is a single-instance
// deployment, and cross-process fan-out would need an external pub/sub
// behind the same Publish/PublishAll contract.
//
// Delivery is best-effort and fire-and-forget: a successful local write says
// nothing about the remote end, and one broken connection never blocks
// delivery to the subscriber's other connections.
package hub
