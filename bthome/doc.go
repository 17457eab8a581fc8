// Package bthome models the BTHome broadcast sensor data the station relays.
//
// The radio scanner runs outside this process and publishes decoded
// advertisements as CBOR batches. The Ingestor stores each batch in a Cache
// holding the latest observation per device address. Exporters read the
// cache through the Source interface, which yields a finite sequence that
// can be replayed as many times per export as needed:
//
//	for obs := range cache.Observations() {
//	    name, ok := policy.DisplayName(obs.Address)
//	    ...
//	}
//
// A FilterPolicy decides which object IDs are exported and which devices
// pass, and a Vocabulary names and scales each object ID. Neither is
// mutated after startup.
package bthome
