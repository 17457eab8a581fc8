// Package config loads the station configuration.
//
// Configuration comes from three layers: built-in defaults, zero or more
// JSON or YAML files, and STATIOND_* environment variables. Files override
// defaults field by field, so a file only needs the settings it changes.
// Duration fields accept Go duration strings such as "10s".
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/stationd/station.yaml")
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//
// A minimal YAML file selecting two BTHome object IDs from one device:
//
//	station:
//	  hostname: pantry-scale
//	bthome:
//	  metrics: [2, 3]
//	  devices:
//	    - address: "a4:c1:38:00:11:22"
//	      enabled: true
//	      name: pantry
//
// Leaving nats.urls empty disables the publish channel; the pull endpoint
// keeps serving.
package config
