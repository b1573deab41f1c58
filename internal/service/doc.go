// Package service holds the task use cases: creating a task on behalf of a
// caller and submitting it to the provider.
//
// Services coordinate the store, the credential selector, the model
// registry and the dispatcher through small interfaces declared here, so the
// API layer never touches infrastructure directly. Provider push and poll
// handling live in the webhook and poll packages; both end in the finalize
// package, which is also where a failed submission ends up.
package service
