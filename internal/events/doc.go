// Package events carries task lifecycle notifications to in-process handlers.
//
// The finalizer emits a TypeTaskFinalized event after every terminal
// transition. Handlers registered on the InMemoryEventEmitter receive it
// synchronously; the Kafka publisher in platform/kafka is one such handler
// and forwards events out of the process.
package events
