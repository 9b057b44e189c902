// Package scheduler owns the scheduling state: the pending registry, the
// user reminder specs, the settlement sources and the poller. It rebuilds
// the settlement group once a day, applies edits atomically and exposes a
// status snapshot for the chat commands.
package scheduler
