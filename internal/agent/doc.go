// Package agent contains the worker process that executes dispatched tasks.
// A worker serves one task at a time on its own goroutine, exposes a liveness
// handle to the hub, accepts in-process calls and can answer remote requests
// arriving through a router inbox.
package agent
