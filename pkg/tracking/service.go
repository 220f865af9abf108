package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/callwatch/callwatch/pkg/db/models/calls"
	"go.uber.org/zap"
)

// Sink receives resolved tracking rows.
type Sink interface {
	InsertCallTracking(ctx context.Context, rows []*calls.CallTracking) error
}

// Service resolves shipment tracking for open calls: it pulls the
// aggregated shipment fields from the vendor, determines the current
// tracking number and parts, and fetches the delivery status from the
// matching carrier. Everything here is best effort; a failed lookup is
// logged and the call is skipped.
type Service struct {
	sink   Sink
	source ShipmentSource
	cache  *StatusCache
	ups    *UPSClient
	fedex  *FedExClient

	maxWorkers int
	logger     *zap.Logger
}

// NewService builds the enrichment service. cache may be nil when Redis
// is not deployed; lookups then always hit the carrier APIs.
func NewService(sink Sink, source ShipmentSource, cache *StatusCache, ups *UPSClient, fedex *FedExClient, maxWorkers int, logger *zap.Logger) *Service {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}
	return &Service{
		sink:       sink,
		source:     source,
		cache:      cache,
		ups:        ups,
		fedex:      fedex,
		maxWorkers: maxWorkers,
		logger:     logger,
	}
}

// Enrich resolves tracking for the given calls concurrently and upserts
// one row per call that produced a result.
func (s *Service) Enrich(ctx context.Context, records []*calls.CallRecord) error {
	if len(records) == 0 {
		return nil
	}

	queueSize := len(records)
	if queueSize < 16 {
		queueSize = 16
	}

	pool := pond.NewPool(s.maxWorkers, pond.WithQueueSize(queueSize))
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	var mu sync.Mutex
	var rows []*calls.CallTracking

	for _, record := range records {
		record := record
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}

			lookupCtx, cancel := context.WithTimeout(groupCtx, 30*time.Second)
			defer cancel()

			row, err := s.resolve(lookupCtx, record)
			if err != nil {
				s.logger.Warn("Tracking lookup failed",
					zap.String("call_id", record.CallID),
					zap.String("vendor_call_number", record.VendorCallNumber),
					zap.Error(err))
				return
			}
			if row == nil {
				return
			}

			mu.Lock()
			rows = append(rows, row)
			mu.Unlock()
		})
	}

	if err := group.Wait(); err != nil {
		return err
	}

	if len(rows) == 0 {
		return nil
	}

	s.logger.Info("Tracking enrichment resolved", zap.Int("calls", len(rows)))
	return s.sink.InsertCallTracking(ctx, rows)
}

// resolve produces the tracking row for one call, or nil when the
// vendor has no shipment data for it.
func (s *Service) resolve(ctx context.Context, record *calls.CallRecord) (*calls.CallTracking, error) {
	fields, err := s.source.Fields(ctx, record.VendorCallNumber)
	if err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, nil
	}

	trackingNumber := DetermineTrackingNumber(*fields)
	row := &calls.CallTracking{
		CallID:           record.CallID,
		VendorCallNumber: record.VendorCallNumber,
		TrackingNumber:   trackingNumber,
		LatestParts:      ExtractLatestParts(fields.AllParts),
		CheckedAt:        time.Now().UTC(),
	}

	carrier := DetectCarrier(trackingNumber)
	row.Carrier = string(carrier)
	if carrier == CarrierUnknown {
		return row, nil
	}

	status, err := s.carrierStatus(ctx, carrier, trackingNumber)
	if err != nil {
		// The tracking number itself is still worth recording.
		s.logger.Warn("Carrier status lookup failed",
			zap.String("carrier", string(carrier)),
			zap.String("tracking_number", trackingNumber),
			zap.Error(err))
		return row, nil
	}
	row.DeliveryStatus = status
	return row, nil
}

func (s *Service) carrierStatus(ctx context.Context, carrier Carrier, trackingNumber string) (string, error) {
	if s.cache != nil {
		if status := s.cache.Get(ctx, carrier, trackingNumber); status != "" {
			return status, nil
		}
	}

	var status string
	var err error
	switch carrier {
	case CarrierUPS:
		if s.ups == nil || !s.ups.Configured() {
			return "", nil
		}
		status, err = s.ups.Status(ctx, trackingNumber)
	case CarrierFedEx:
		if s.fedex == nil || !s.fedex.Configured() {
			return "", nil
		}
		status, err = s.fedex.Status(ctx, trackingNumber)
	}
	if err != nil {
		return "", err
	}

	if status != "" && s.cache != nil {
		s.cache.Set(ctx, carrier, trackingNumber, status)
	}
	return status, nil
}
