// Package hub implements the in-process broadcast channel that every relay connection publishes to and subscribes from.
//
// The Hub keeps the most recent messages in a fixed-size ring shared by all subscribers. Each Subscription holds a
// cursor into the ring. A subscriber that falls more than capacity messages behind loses the oldest ones and learns
// about it through a LaggedError on its next receive. Publishers never wait for subscribers.
package hub
