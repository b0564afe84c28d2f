// Package bridge links the hubs of several relay nodes through a Redis pub/sub channel.
//
// Each node publishes the lines its own clients send as JSON envelopes tagged with its node ID and republishes
// envelopes from other nodes into its local hub. Envelopes a node receives back from itself are dropped, so every
// client on every node sees each line once.
package bridge
