package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"stockmeter/internal/types"
)

// WebhookEventRepository deduplicates processor webhook deliveries by event
// id. Raw payloads are kept zstd-compressed for replay and audit.
type WebhookEventRepository struct {
	db      DBTX
	encoder *zstd.Encoder
	// decoderPool provides reusable zstd decoders.
	decoderPool sync.Pool
}

// NewWebhookEventRepository creates a new WebhookEventRepository backed by the
// given database connection (pool or transaction).
func NewWebhookEventRepository(db DBTX) (*WebhookEventRepository, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &WebhookEventRepository{
		db:      db,
		encoder: enc,
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}, nil
}

// Claim records the event as processed. It returns false when the event id
// was already recorded, in which case the caller must not apply it again.
func (r *WebhookEventRepository) Claim(ctx context.Context, ev types.ProcessedWebhookEvent) (bool, error) {
	compressed := r.encoder.EncodeAll(ev.Payload, nil)

	tag, err := r.db.Exec(ctx,
		`INSERT INTO processed_webhook_events (event_id, event_type, received_at, payload)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID,
		ev.Type,
		ev.ReceivedAt,
		compressed,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to record webhook event", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release forgets a claimed event so a redelivery is applied. Used when
// applying the event failed after Claim.
func (r *WebhookEventRepository) Release(ctx context.Context, eventID string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM processed_webhook_events WHERE event_id = $1`,
		eventID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release webhook event", err)
	}
	return nil
}

// Get returns a recorded event with its payload decompressed.
func (r *WebhookEventRepository) Get(ctx context.Context, eventID string) (*types.ProcessedWebhookEvent, error) {
	ev := &types.ProcessedWebhookEvent{EventID: eventID}
	var compressed []byte
	err := r.db.QueryRow(ctx,
		`SELECT event_type, received_at, payload
		 FROM processed_webhook_events
		 WHERE event_id = $1`,
		eventID,
	).Scan(&ev.Type, &ev.ReceivedAt, &compressed)
	if err != nil {
		if isNoRows(err) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWebhookEvent, "webhook event not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read webhook event", err)
	}

	ev.Payload, err = r.decompress(compressed)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalCompression, "failed to decompress webhook payload", err)
	}
	return ev, nil
}

func (r *WebhookEventRepository) decompress(data []byte) ([]byte, error) {
	decoder := r.decoderPool.Get().(*zstd.Decoder)
	defer r.decoderPool.Put(decoder)

	out, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}
