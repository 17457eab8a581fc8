// Package natsclient provides the station's NATS connection: the publish
// channel for sensor snapshots and the subscription carrying broadcast
// observations from the radio scanner.
//
// # Connection State
//
// The client tracks three states in an atomic:
//
//	Disconnected -> Connecting -> Connected -> Disconnected
//	Disconnected -> Connected  (background reconnect)
//
// Any transport error forces Disconnected, whether it comes from a failed
// Connect, the disconnect handler or the async error handler. The nats.go
// reconnect handler and the periodic health check move the client back to
// Connected directly. Readers call Ready; a stale answer only means one
// publish is skipped or fails.
//
// A Connect whose context ends before the handshake completes returns at
// once. The dial keeps running in the background and its connection is
// closed when it arrives. Events from such connections are ignored.
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://broker:4222",
//	    natsclient.WithName("weight-station"),
//	    natsclient.WithCredentials(user, pass),
//	    natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    // transient: nats.go keeps reconnecting only after a first success
//	}
//	defer client.Close(ctx)
//
//	err = client.Publish(ctx, "station.sensors", payload)
//	if errors.Is(err, natsclient.ErrNotConnected) {
//	    // retry on the next tick
//	}
//
// Publish is fire-and-forget core NATS: there is no acknowledgement and no
// local queue.
//
// # Testing
//
// NewTestClient starts a NATS server in a container with testcontainers-go
// and returns a connected client. Integration tests using it carry the
// integration build tag.
package natsclient
