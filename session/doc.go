// Package session provides SessionStore implementations: a volatile
// in-memory store for tests and demos and a durable sqlite-backed store
// with expiry sweeping for production use.
package session
