// Package periodic runs many small recurring jobs on a fixed worker pool.
//
// Each registered Client declares how long to wait between cycles and what a
// cycle does. Entries wait in a due-queue ordered by their next due time;
// workers block until the head is due, run it, and put it back with a fresh
// due time of completion plus Interval(). A client never overlaps itself.
//
// The pool is started on demand and torn down when the last client goes away.
// Client failures (errors and panics) are logged and never unregister the
// client.
package periodic
