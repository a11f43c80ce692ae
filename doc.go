// Package thinclient implements the client-side routing and
// partition-awareness core of a thin TCP client for a distributed,
// partitioned in-memory key-value cluster.
//
// Callers hand a cache operation (an opcode plus a key) to Client.Send; the
// client decides which cluster node owns the primary copy of the key,
// writes the request on that node's persistent socket, and returns the
// response, failing over to another node if the connection is lost. Object
// serialization and cache-operation semantics live outside this package;
// Send takes plain writer/reader callbacks so any codec can be plugged in.
package thinclient
