// Package server implements the WebSocket and HTTP side of roomchat.
//
// The Hub owns presence, room membership and fanout on a single goroutine.
// Clients run one read and one write pump each and talk to the hub over
// channels. The REST API in api.go is a thin layer over the store.
package server
