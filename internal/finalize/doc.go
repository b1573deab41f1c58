// Package finalize moves a task to its terminal status exactly once.
//
// Both completion channels, provider webhooks and scheduled polls, call
// Finalizer.Finalize. A keyed lock makes the second caller a silent no-op,
// and a re-read of the persisted status catches callers that arrive after
// the first one released the lock. Under the lock the finalizer archives
// result files, records the terminal state, and notifies the caller's
// callback URL.
//
// When the lock backend is unavailable the finalizer proceeds without
// mutual exclusion. The conditional terminal write still refuses to
// overwrite a finished task, so a duplicate is only possible for stateless
// finalization.
package finalize
