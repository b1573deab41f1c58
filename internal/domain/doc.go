// Package domain contains the core business entities, value objects, and
// domain logic of the relay: generation tasks and their status machine,
// upstream credentials, the model registry rows, proxy keys, and the audit
// snapshots of inbound provider pushes. It is independent of any specific
// infrastructure or delivery mechanism.
package domain
