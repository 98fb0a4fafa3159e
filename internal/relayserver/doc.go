// Package relayserver implements the discovery/negotiation relay hub that
// chat nodes connect to. The relay only routes envelopes; it never carries
// conversation content.
package relayserver
