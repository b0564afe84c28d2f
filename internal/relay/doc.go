// Package relay accepts line-oriented client connections and relays every line a client sends to all other
// connected clients through a shared hub.Hub.
//
// Each connection is served by one goroutine that waits on two sources at once: the next line read from the
// client and the next message on its hub subscription. Lines are published with an origin ID unique to the
// connection; broadcasts carrying that same origin are not written back to the sender.
//
// Server.Serve runs the accept loop for a net.Listener. Server.Handle admits an already established connection,
// which is how the WebSocket gateway feeds the same handler loop.
package relay
