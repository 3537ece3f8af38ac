package signing

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestAuditExport(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	signedAt := now.Add(-time.Hour)
	signedPath := "docs/lease_signed.pdf"

	reqs := []SignatureRequest{
		{
			ID: uuid.New(), Title: "Lease", SignerName: optional("Jane Buyer"), Status: StatusSigned,
			ExpiresAt: now.Add(time.Hour), CreatedAt: now.Add(-2 * time.Hour),
			SignedAt: &signedAt, SignedDocumentPath: &signedPath,
			Spots: []SignatureSpot{{PageNumber: 1}, {PageNumber: 2}},
		},
		{ID: uuid.New(), Title: "Trade-in", Status: StatusPending, ExpiresAt: now.Add(-time.Minute), CreatedAt: now.Add(-48 * time.Hour)},
		{ID: uuid.New(), Title: "Warranty", Status: StatusPending, ExpiresAt: now.Add(24 * time.Hour), CreatedAt: now},
	}

	var buf bytes.Buffer
	require.NoError(t, NewAuditExporter(DefaultAuditOptions()).Export(&buf, reqs, now))

	file, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer file.Close()

	rows, err := file.GetRows("Signature Requests")
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, auditColumns, rows[0])

	assert.Equal(t, reqs[0].ID.String(), rows[1][0])
	assert.Equal(t, "Jane Buyer", rows[1][2])
	assert.Equal(t, "signed", rows[1][4])
	assert.Equal(t, "2026-03-14 09:00", rows[1][7])
	assert.Equal(t, signedPath, rows[1][8])
	assert.Equal(t, "2", rows[1][9])

	assert.Equal(t, "expired", rows[2][4])
	assert.Equal(t, "pending", rows[3][4])
}

func TestAuditExportEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewAuditExporter(DefaultAuditOptions()).Export(&buf, nil, time.Now()))

	file, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer file.Close()

	rows, err := file.GetRows("Signature Requests")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}
