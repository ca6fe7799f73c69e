// Package mqtt mirrors connection pool events to an MQTT broker so
// that dashboards and home automation can follow MCP server health
// without talking to toolhost directly.
//
// Topics, under the configured prefix:
//
//	{prefix}/availability               online/offline (retained, will)
//	{prefix}/servers/{name}/status      last connection status (retained)
//	{prefix}/servers/{name}/events      every pool event as JSON
//	{prefix}/config/events              config reload results as JSON
//
// The connection is managed by Eclipse Paho v2's [autopaho] package.
// Every (re-)connect publishes a birth message and re-publishes the
// last known status of each server.
package mqtt
