// Package transport pools SSH connections keyed by destination, chaining
// through jump hosts when configured and reconnecting automatically when a
// transport goes stale.
//
// Two SSHConfig values that differ only in credentials or jump chain but
// share the same (ip, user, port) will be handed the same pooled
// Transport -- see sshconfig.SSHConfig.CacheKey.
package transport
