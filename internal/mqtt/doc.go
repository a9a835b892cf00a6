// Package mqtt owns the network link and the broker session used to
// publish readings.
//
// A [Manager] walks a small state machine: LinkDown, LinkUp once the
// host has a usable network address, SessionUp once the broker
// handshake succeeds. Any failure along the way, and any later
// observation that the session has dropped, moves it to the terminal
// Restarting state. There is no reconnect logic: the caller receives a
// [*RestartError] and is expected to restart the process (or the
// device) and begin again from a clean boot.
//
// Two [Session] implementations are provided. [V311Session] speaks MQTT
// 3.1.1 through Eclipse Paho's mqtt.golang client and is the default.
// [V5Session] speaks MQTT v5 through Eclipse Paho v2's [paho] package.
// Both publish at QoS 0 without the retain flag.
package mqtt
