// Package session keeps the per-client record the rest of the server needs
// after the socket is gone: the remote address a ban is keyed by, the last
// interest tags used to re-queue on skip, and which instance owns the
// connection.
package session
