// Package postgres provides PostgreSQL-specific implementations for the data
// storage interfaces defined in the internal/store package: tasks, credentials
// and their daily usage, the model registry, proxy keys, archived assets,
// inbound webhook snapshots, and schedule-once guards. It also embeds the
// goose migrations that create those tables.
package postgres
