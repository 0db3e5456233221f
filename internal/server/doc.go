// Package server implements the socket-level HTTP/1.0 file drop server:
// address discovery, the raw listening socket, request parsing, routing
// to the upload and download handlers, and the per-connection state
// machine. Storage is consumed through storage.FileStorage and injected
// by the caller.
package server
