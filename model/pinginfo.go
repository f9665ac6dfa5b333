// Package model contains the data exchanged and archived by both peers.
package model

// PingInfo summarizes application level (websocket) ping round trips. Times
// are in microseconds.
type PingInfo struct {
	Count   int64
	LastRTT int64
	MinRTT  int64
}
