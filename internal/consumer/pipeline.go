// Package consumer is the top of the ingestion pipeline (spec.md §4.I): it
// wires the decoder, coalescer, upserter, reconciler, and the two bucket
// writers into the per-batch sequence C → D → {E, F} → {G, H}, and drives
// the broker consume/ack/reject loop around it.
package consumer

import (
	"context"

	"github.com/tsingest/bucketworker/internal/coalesce"
	"github.com/tsingest/bucketworker/internal/datatype"
	"github.com/tsingest/bucketworker/internal/message"
)

// bucketWriter and eventWriter narrow internal/bucket.Writer and
// internal/eventbucket.Writer to what the pipeline calls, so tests can
// supply lightweight fakes instead of standing up the real writers.
type bucketWriter interface {
	Write(ctx context.Context, b *coalesce.Bucket) error
}

type eventWriter interface {
	Write(ctx context.Context, b *coalesce.EventBucket) error
}

type upserter interface {
	Upsert(ctx context.Context, reg *datatype.Registry, measurements map[string]map[string]*coalesce.MeasurementSighting) error
}

type reconciler interface {
	Reconcile(ctx context.Context, valueTypes map[string]map[string]bool, cacheExpiration int32) error
}

// Pipeline runs one decoded batch through every stage of spec.md §4.C–§4.H.
type Pipeline struct {
	registry          *datatype.Registry
	decoder           *message.Decoder
	upserter          upserter
	reconciler        reconciler
	bucketWriter      bucketWriter
	eventWriter       eventWriter
	valueTypeCacheTTL int32
}

// New builds a Pipeline over its stage implementations. valueTypeCacheTTL is
// the TTL (seconds) applied to newly reconciled value-type cache entries
// (spec.md §6 DATA_CACHE_EXPIRATION).
func New(
	registry *datatype.Registry,
	decoder *message.Decoder,
	u upserter,
	r reconciler,
	bw bucketWriter,
	ew eventWriter,
	valueTypeCacheTTL int32,
) *Pipeline {
	return &Pipeline{
		registry:          registry,
		decoder:           decoder,
		upserter:          u,
		reconciler:        r,
		bucketWriter:      bw,
		eventWriter:       ew,
		valueTypeCacheTTL: valueTypeCacheTTL,
	}
}

// Process runs one batch body through the full pipeline. A nil return means
// the batch is fully applied and should be acked. A non-nil return is
// classified by the caller via internal/obserr: obserr.IsTransient means
// reject-with-requeue, anything else means the payload itself was malformed
// and the batch should be rejected without requeue (spec.md §7).
func (p *Pipeline) Process(ctx context.Context, body []byte) error {
	data, events, err := p.decoder.Decode(ctx, body)
	if err != nil {
		return err
	}

	result := coalesce.Coalesce(data, events)

	if err := p.upserter.Upsert(ctx, p.registry, result.Measurements); err != nil {
		return err
	}
	if err := p.reconciler.Reconcile(ctx, result.ValueTypes, p.valueTypeCacheTTL); err != nil {
		return err
	}

	for _, b := range result.DataBuckets {
		if err := p.bucketWriter.Write(ctx, b); err != nil {
			return err
		}
	}
	for _, eb := range result.EventBuckets {
		if err := p.eventWriter.Write(ctx, eb); err != nil {
			return err
		}
	}

	return nil
}
