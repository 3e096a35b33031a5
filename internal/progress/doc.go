// Package progress tracks completion of long-running operations. A Node tree
// lets independently progressing sub-tasks report units of work that roll up,
// by weight, into a single 0-100 percentage at the root; callbacks fire only
// when the visible percentage changes.
//
// The package also provides the event primitives and non-blocking Hub used to
// relay root percentages to pluggable sinks such as Prometheus metrics, logs,
// or persistent storage, without blocking the code doing the work.
package progress
