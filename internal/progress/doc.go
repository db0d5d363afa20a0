// Package progress provides the event primitives and the non-blocking hub the
// crawl pipeline uses to report what it is doing. Events are batched on a
// background goroutine and fanned out to pluggable sinks.
package progress
