// Package mqtt publishes MCP server health to Home Assistant over MQTT.
// mcplink appears as a native HA device with availability tracking,
// a handful of process-wide sensors, and per-server sensors for status,
// health score, response time and tool count. Each server also gets a
// "Retry" button whose presses are delivered back to the hub.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each entity, a birth message ("online") to the availability topic,
// and subscribes to the retry command topics. A will message ensures
// the availability topic transitions to "offline" on unexpected
// disconnects.
//
// Servers added at runtime get their discovery payloads on the next
// state publish; removed servers have their retained configs cleared.
package mqtt
