package database_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealer-portal/esign-backend/internal/database"
	"dealer-portal/esign-backend/internal/database/dbtest"
)

func TestMigrationsCreateSchema(t *testing.T) {
	db := dbtest.Start(t)
	ctx := context.Background()

	require.NoError(t, database.NewReadinessChecker(db).CheckReady(ctx))

	var tables []string
	require.NoError(t, db.SelectContext(ctx, &tables, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name LIKE 'signature_%'
		ORDER BY table_name`))
	assert.Equal(t, []string{"signature_requests", "signature_spots"}, tables)
}

func TestSignedConsistencyConstraint(t *testing.T) {
	db := dbtest.Start(t)
	ctx := context.Background()

	// signed without an artifact reference violates the check constraint
	_, err := db.ExecContext(ctx, `
		INSERT INTO signature_requests (id, title, token_hash, owner_id, status, expires_at, document_path, signed_at)
		VALUES (gen_random_uuid(), 'Deal', 'hash-1', 'owner', 'signed', NOW() + INTERVAL '1 day', 'a.pdf', NOW())`)
	assert.Error(t, err)
}
