// Package route holds the per-intent routing table: which bus topic a task
// is published on, where its result comes back, how long to wait for it and
// what to tell the user in the meantime.
package route
