// Package reminder defines the scheduling domain: reminder specs, the
// concrete notifications derived from them, and the error types shared by
// the resolver, poller and dispatcher.
package reminder
