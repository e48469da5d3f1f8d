// Package websocket pushes session state to browser clients.
//
// A Hub owns the set of connected clients and fans out JSON envelopes
// (Message) to each of them. Clients are write-only consumers: the read pump
// exists to service pings and close frames. A client whose send buffer fills
// up is disconnected rather than allowed to stall the broadcast.
//
// Relay connects any subscription channel, such as the session
// coordinator's, to the hub:
//
//	go websocket.Relay(ctx, hub, websocket.TypeSession, updates)
package websocket
