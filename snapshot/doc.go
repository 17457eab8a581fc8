// Package snapshot renders the station state as a bounded JSON document and
// pushes it over a publish channel on a fixed interval.
//
// A publish attempt checks the channel first and returns ErrChannelNotReady
// without touching the buffer while disconnected. It then takes the buffer
// lock with a timeout, renders into the fixed 4096-byte buffer and hands the
// bytes to the channel. A document that overflows is never published.
//
//	x := snapshot.NewExporter(registry, natsClient,
//	    snapshot.WithHostname("scale-01"),
//	    snapshot.WithCounters(health.NewHostMemory()),
//	)
//	go x.Run(ctx, 10*time.Second)
package snapshot
