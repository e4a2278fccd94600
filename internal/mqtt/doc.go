// Package mqtt delivers readings to an MQTT broker.
//
// The [Transport] uses Eclipse Paho v2's [autopaho] package for
// connection management: one long-lived connection that is re-established
// with the original parameters whenever it drops. On every (re-)connect it
// subscribes to the discovery status topic and, when availability is
// enabled, publishes a retained "online" birth message. A will message
// flips the availability topic to "offline" on unexpected disconnects.
//
// Inbound status messages arrive on Paho's callback goroutines. They are
// rate limited and handed to the polling loop through [Transport.Status];
// nothing in this package touches discovery state directly.
package mqtt
