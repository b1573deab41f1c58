// Package redis backs the keyed lock and the delayed job queue with Redis.
//
// Locks are SET NX PX with a random owner token; release deletes the key
// only while the token still matches. The job queue is a sorted set scored
// by due time in milliseconds, drained by an atomic Lua pop.
package redis
