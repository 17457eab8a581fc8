// Package sensor holds the station's bounded registry of measurement sources.
//
// Feature modules register their sensors once at startup and receive a
// Handle. Readings are written through the handle from whatever goroutine
// produces them; exporters read through Read, Get or Each from theirs.
//
//	reg := sensor.NewRegistry(sensor.WithLogger(logger))
//	weight, err := reg.Register("Weight", "g")
//	if err != nil {
//	    // ErrRegistryFull: the feature cannot run, the rest of the station can
//	}
//	_ = reg.Update(weight, 1234.5, true)
//
// A sensor that was never updated, or was last updated with available=false,
// is still registered but is skipped by the exporters.
package sensor
