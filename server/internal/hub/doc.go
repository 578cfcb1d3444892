// Package hub fans build events out to live subscribers.
//
// Each Subscription owns a bounded queue. Publish never blocks: when a
// subscriber's queue is full that subscriber is dropped (its queue is closed
// and Err reports ErrSubscriberOverflow) and every other subscriber keeps
// receiving. Events are delivered to each subscriber in publish order, and a
// new subscriber only sees events published after it subscribed.
//
// Subscription lifecycle:
//
//	Connecting -> Active -> Disconnected   (Unsubscribe or hub Close)
//	                     -> Dropped        (queue overflow)
package hub
