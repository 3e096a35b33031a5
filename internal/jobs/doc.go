// Package jobs runs long-running operations (bulk row imports, template syncs)
// as sequences of weighted stages, each tracked by a progress.Node attached to
// a per-job root. Root percentage changes are relayed as progress events.
package jobs
