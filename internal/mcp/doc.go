// Package mcp hosts MCP (Model Context Protocol) tool servers that run
// as child processes speaking newline-delimited JSON-RPC 2.0 over
// stdin/stdout.
//
// A Conn supervises one process: it spawns it, performs the
// initialize and tools/list handshake, correlates concurrent requests
// with their responses under a per-request deadline, and reports
// lifecycle changes on an event channel. A Pool owns many Conns keyed
// by name, merges their tool catalogs in insertion order, routes
// tools/call requests, and re-publishes connection events on an
// events.Bus tagged with the server name.
//
// Only the client side is implemented; toolhost never acts as an MCP
// server.
package mcp
