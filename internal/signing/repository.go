package signing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type Repository interface {
	// Create stores a request together with its spots.
	Create(ctx context.Context, req *SignatureRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*SignatureRequest, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*SignatureRequest, error)
	ListByOwner(ctx context.Context, ownerID string) ([]SignatureRequest, error)

	// MarkSigned is the compare-and-set commit. It reports false when the
	// request was no longer pending or had expired at signedAt.
	MarkSigned(ctx context.Context, id uuid.UUID, signedDocumentPath string, signedAt time.Time) (bool, error)

	ListDueForReminder(ctx context.Context, now, until time.Time, limit int) ([]SignatureRequest, error)
	MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
}

const requestColumns = `id, title, token_hash, owner_id, owner_email, owner_name,
	signer_user_id, signer_name, signer_email, status, expires_at, document_path,
	signed_document_path, signed_at, reminder_sent_at, created_at`

const spotColumns = `id, request_id, position, page_number, x_position, y_position, width, height`

type postgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) Create(ctx context.Context, req *SignatureRequest) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO signature_requests (
			id, title, token_hash, owner_id, owner_email, owner_name,
			signer_user_id, signer_name, signer_email, status, expires_at,
			document_path, created_at
		) VALUES (
			:id, :title, :token_hash, :owner_id, :owner_email, :owner_name,
			:signer_user_id, :signer_name, :signer_email, :status, :expires_at,
			:document_path, :created_at
		)`
	if _, err := tx.NamedExecContext(ctx, query, req); err != nil {
		return fmt.Errorf("failed to insert signature request: %w", err)
	}

	spotQuery := `
		INSERT INTO signature_spots (
			request_id, position, page_number, x_position, y_position, width, height
		) VALUES (
			:request_id, :position, :page_number, :x_position, :y_position, :width, :height
		)`
	for i := range req.Spots {
		req.Spots[i].RequestID = req.ID
		req.Spots[i].Position = i
		if _, err := tx.NamedExecContext(ctx, spotQuery, &req.Spots[i]); err != nil {
			return fmt.Errorf("failed to insert signature spot %d: %w", i, err)
		}
	}

	return tx.Commit()
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*SignatureRequest, error) {
	return r.getOne(ctx, "SELECT "+requestColumns+" FROM signature_requests WHERE id = $1", id)
}

func (r *postgresRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*SignatureRequest, error) {
	return r.getOne(ctx, "SELECT "+requestColumns+" FROM signature_requests WHERE token_hash = $1", tokenHash)
}

func (r *postgresRepository) getOne(ctx context.Context, query string, arg any) (*SignatureRequest, error) {
	var req SignatureRequest
	err := r.db.GetContext(ctx, &req, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	err = r.db.SelectContext(ctx, &req.Spots,
		"SELECT "+spotColumns+" FROM signature_spots WHERE request_id = $1 ORDER BY position", req.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load signature spots: %w", err)
	}
	return &req, nil
}

func (r *postgresRepository) ListByOwner(ctx context.Context, ownerID string) ([]SignatureRequest, error) {
	var reqs []SignatureRequest
	err := r.db.SelectContext(ctx, &reqs,
		"SELECT "+requestColumns+" FROM signature_requests WHERE owner_id = $1 ORDER BY created_at DESC", ownerID)
	if err != nil {
		return nil, err
	}
	if err := r.attachSpots(ctx, reqs); err != nil {
		return nil, err
	}
	return reqs, nil
}

func (r *postgresRepository) attachSpots(ctx context.Context, reqs []SignatureRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	ids := make([]string, len(reqs))
	index := make(map[uuid.UUID]int, len(reqs))
	for i, req := range reqs {
		ids[i] = req.ID.String()
		index[req.ID] = i
	}

	var spots []SignatureSpot
	err := r.db.SelectContext(ctx, &spots,
		"SELECT "+spotColumns+" FROM signature_spots WHERE request_id = ANY($1::uuid[]) ORDER BY request_id, position",
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to load signature spots: %w", err)
	}
	for _, spot := range spots {
		if i, ok := index[spot.RequestID]; ok {
			reqs[i].Spots = append(reqs[i].Spots, spot)
		}
	}
	return nil
}

func (r *postgresRepository) MarkSigned(ctx context.Context, id uuid.UUID, signedDocumentPath string, signedAt time.Time) (bool, error) {
	query := `
		UPDATE signature_requests SET
			status = 'signed',
			signed_document_path = $2,
			signed_at = $3
		WHERE id = $1 AND status = 'pending' AND expires_at > $3`
	res, err := r.db.ExecContext(ctx, query, id, signedDocumentPath, signedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *postgresRepository) ListDueForReminder(ctx context.Context, now, until time.Time, limit int) ([]SignatureRequest, error) {
	var reqs []SignatureRequest
	query := "SELECT " + requestColumns + ` FROM signature_requests
		WHERE status = 'pending' AND reminder_sent_at IS NULL
			AND expires_at > $1 AND expires_at <= $2
		ORDER BY expires_at
		LIMIT $3`
	err := r.db.SelectContext(ctx, &reqs, query, now, until, limit)
	return reqs, err
}

func (r *postgresRepository) MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE signature_requests SET reminder_sent_at = $2
		WHERE id = $1 AND status = 'pending' AND reminder_sent_at IS NULL`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
