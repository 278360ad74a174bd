// Package engine runs the asynchronous conversation workflow. It classifies
// each chat message, dispatches it to a worker agent over the bus under a
// fresh correlation id, and returns a provisional reply at once. A listener
// resolves correlation ids as agent results arrive, a monitor times out
// requests no agent answered, and every terminal outcome is written to the
// session and pushed to the client's live connection.
package engine
