// Package domain holds the core types of the connection layer: connections
// and their metadata, fan-out envelopes, presence events, the error
// taxonomy, and the ports implemented by the Redis adapters.
package domain
