// Package redis implements the shared-store and bus ports on Redis:
// the cluster-wide online set, per-instance heartbeats, and the pub/sub
// fan-out channels. All cross-process mutation goes through single
// atomic commands (SADD/SREM), so no distributed lock exists anywhere.
package redis
