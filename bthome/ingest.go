package bthome

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"

	"github.com/c360/stationd/errors"
)

// ObservationRecord is the wire form of one observation published by the
// radio scanner. Integer keys keep the CBOR encoding compact.
type ObservationRecord struct {
	Address      Address             `cbor:"1,keyasint"`
	RSSI         int                 `cbor:"2,keyasint"`
	Measurements []MeasurementRecord `cbor:"3,keyasint"`
}

// MeasurementRecord is the wire form of one measurement.
type MeasurementRecord struct {
	ObjectID uint8 `cbor:"1,keyasint"`
	Raw      int64 `cbor:"2,keyasint"`
}

// Batch is the wire form of one scanner message.
type Batch struct {
	Observations []ObservationRecord `cbor:"1,keyasint"`
}

var (
	batchEncMode cbor.EncMode
	batchDecMode cbor.DecMode
)

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:        cbor.SortCanonical,
		IndefLength: cbor.IndefLengthForbidden,
	}
	batchEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create observation CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		IndefLength:      cbor.IndefLengthAllowed,
		MaxArrayElements: 1024,
		MaxMapPairs:      1024,
	}
	batchDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create observation CBOR decoder mode: %v", err))
	}
}

// EncodeBatch encodes observations for publication on the ingest subject.
func EncodeBatch(observations ...Observation) ([]byte, error) {
	batch := Batch{Observations: make([]ObservationRecord, 0, len(observations))}
	for _, obs := range observations {
		rec := ObservationRecord{Address: obs.Address, RSSI: obs.RSSI}
		for _, m := range obs.Measurements {
			rec.Measurements = append(rec.Measurements, MeasurementRecord{ObjectID: m.ObjectID, Raw: m.Raw})
		}
		batch.Observations = append(batch.Observations, rec)
	}
	return batchEncMode.Marshal(batch)
}

// DecodeBatch decodes one scanner message.
func DecodeBatch(data []byte) (Batch, error) {
	var batch Batch
	if err := batchDecMode.Unmarshal(data, &batch); err != nil {
		return Batch{}, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"bthome", "DecodeBatch", "decode CBOR batch")
	}
	return batch, nil
}

// Ingestor feeds scanner messages into the cache and, when configured, into
// the relay that mirrors selected readings into the sensor registry.
type Ingestor struct {
	cache  *Cache
	relay  *Relay
	logger *slog.Logger

	observations atomic.Uint64
	rejected     atomic.Uint64
	evictions    atomic.Uint64
}

// NewIngestor creates an ingestor writing into cache. relay may be nil.
func NewIngestor(cache *Cache, relay *Relay, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		cache:  cache,
		relay:  relay,
		logger: logger.With("component", "bthome-ingest"),
	}
}

// Handle decodes one message and stores every observation it carries. It
// matches the subscription handler signature of the NATS client.
func (in *Ingestor) Handle(_ context.Context, data []byte) {
	batch, err := DecodeBatch(data)
	if err != nil {
		in.rejected.Add(1)
		in.logger.Debug("Dropped undecodable observation batch", "bytes", len(data), "error", err)
		return
	}

	var readings [MaxMeasurements]Measurement
	for _, rec := range batch.Observations {
		obs := Observation{Address: rec.Address, RSSI: rec.RSSI, Measurements: readings[:0]}
		for _, m := range rec.Measurements {
			if len(obs.Measurements) == MaxMeasurements {
				break
			}
			obs.Measurements = append(obs.Measurements, Measurement{ObjectID: m.ObjectID, Raw: m.Raw})
		}
		if in.cache.Store(obs) {
			in.evictions.Add(1)
		}
		if in.relay != nil {
			in.relay.Observe(obs)
		}
		in.observations.Add(1)
	}
}

// Stats returns the number of stored observations, rejected messages, and
// cache evictions since start.
func (in *Ingestor) Stats() (observations, rejected, evictions uint64) {
	return in.observations.Load(), in.rejected.Load(), in.evictions.Load()
}
