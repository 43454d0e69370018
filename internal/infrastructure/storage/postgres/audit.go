package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"

	appctx "farmledger/internal/core/context"
	"farmledger/internal/core/id"
	"farmledger/internal/domain/ledger"
)

// CompressionAlgo specifies the compression algorithm used.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// AuditRecord is a stored audit row.
type AuditRecord struct {
	ID                id.ID           `db:"id" json:"id"`
	EntityType        string          `db:"entity_type" json:"entityType"`
	EntityID          id.ID           `db:"entity_id" json:"entityId"`
	Action            string          `db:"action" json:"action"`
	ActorID           string          `db:"actor_id" json:"actorId"`
	Changes           json.RawMessage `db:"changes" json:"changes"`
	ChangesCompressed []byte          `db:"changes_compressed" json:"-"`
	CompressionAlgo   CompressionAlgo `db:"compression_algo" json:"-"`
	Reason            *string         `db:"reason" json:"reason,omitempty"`
	RequestID         *string         `db:"request_id" json:"requestId,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
}

// AuditService writes the account audit trail. Large before/after payloads
// are zstd-compressed.
type AuditService struct {
	txManager         *TxManager
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

var _ ledger.Auditor = (*AuditService)(nil)

// NewAuditService creates a new audit service.
func NewAuditService(txManager *TxManager) (*AuditService, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &AuditService{
		txManager:         txManager,
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: 4 * 1024,
	}, nil
}

// Record writes one entry using the transaction in ctx when present.
func (s *AuditService) Record(ctx context.Context, entry ledger.AuditEntry) error {
	changes, err := json.Marshal(map[string]any{"before": entry.Before, "after": entry.After})
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}

	rec := AuditRecord{
		ID:              id.New(),
		EntityType:      ledger.AggregateInventoryAccount,
		EntityID:        entry.AccountID,
		Action:          entry.Action,
		ActorID:         appctx.GetActorID(ctx),
		Changes:         changes,
		CompressionAlgo: CompressionNone,
		CreatedAt:       time.Now().UTC(),
	}
	if entry.Reason != "" {
		rec.Reason = &entry.Reason
	}
	if reqID := appctx.GetRequestID(ctx); reqID != "" {
		rec.RequestID = &reqID
	}
	if len(rec.Changes) > s.compressThreshold {
		rec.ChangesCompressed = s.encoder.EncodeAll(rec.Changes, nil)
		rec.Changes = nil
		rec.CompressionAlgo = CompressionZstd
	}

	_, err = s.txManager.GetQuerier(ctx).Exec(ctx, `
		INSERT INTO sys_audit (
			id, entity_type, entity_id, action, actor_id,
			changes, changes_compressed, compression_algo, reason, request_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.ID, rec.EntityType, rec.EntityID, rec.Action, rec.ActorID,
		rec.Changes, rec.ChangesCompressed, rec.CompressionAlgo, rec.Reason, rec.RequestID, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// History returns the newest entries for an account, decompressed.
func (s *AuditService) History(ctx context.Context, accountID id.ID, limit int) ([]AuditRecord, error) {
	rows, err := s.txManager.GetQuerier(ctx).Query(ctx, `
		SELECT id, entity_type, entity_id, action, actor_id,
		       changes, changes_compressed, compression_algo, reason, request_id, created_at
		FROM sys_audit
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, ledger.AggregateInventoryAccount, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(
			&r.ID, &r.EntityType, &r.EntityID, &r.Action, &r.ActorID,
			&r.Changes, &r.ChangesCompressed, &r.CompressionAlgo, &r.Reason, &r.RequestID, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if err := s.inflate(&r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *AuditService) inflate(r *AuditRecord) error {
	if r.CompressionAlgo != CompressionZstd || len(r.ChangesCompressed) == 0 {
		return nil
	}
	raw, err := s.decoder.DecodeAll(r.ChangesCompressed, nil)
	if err != nil {
		return fmt.Errorf("decompress changes: %w", err)
	}
	r.Changes = raw
	r.ChangesCompressed = nil
	return nil
}
