// Package errors provides standardized error handling for the station.
//
// # Error Classification
//
// Errors fall into three classes:
//
//   - Transient: the publish channel is not connected, the snapshot buffer lock
//     timed out, the broker dropped the connection. Retry on the next tick.
//   - Invalid: a caller passed a handle that was never registered, or an ingest
//     payload could not be decoded. Log and ignore.
//   - Fatal: the registry is full or the configuration is unusable. The affected
//     feature stops; the process keeps serving the rest.
//
// ErrBufferExhausted is special: it fails one export, never the exporter. The
// next request renders from scratch.
//
// # Error Wrapping Pattern
//
// All wrapping follows the format "component.method: action failed: cause":
//
//	if err := client.Publish(ctx, topic, payload); err != nil {
//	    return errors.WrapTransient(err, "Exporter", "Publish", "hand off snapshot")
//	}
//
// Classification survives wrapping, so callers use errors.Is against the
// sentinels and IsTransient / IsFatal / IsInvalid for policy decisions.
package errors
