package signing

import (
	"time"

	"github.com/google/uuid"

	"dealer-portal/esign-backend/pkg/pdf"
	"dealer-portal/esign-backend/pkg/placement"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSigned  Status = "signed"
)

type SignatureRequest struct {
	ID                 uuid.UUID       `json:"id" db:"id"`
	Title              string          `json:"title" db:"title"`
	TokenHash          string          `json:"-" db:"token_hash"`
	OwnerID            string          `json:"owner_id" db:"owner_id"`
	OwnerEmail         *string         `json:"owner_email,omitempty" db:"owner_email"`
	OwnerName          *string         `json:"owner_name,omitempty" db:"owner_name"`
	SignerUserID       *string         `json:"signer_user_id,omitempty" db:"signer_user_id"`
	SignerName         *string         `json:"signer_name,omitempty" db:"signer_name"`
	SignerEmail        *string         `json:"signer_email,omitempty" db:"signer_email"`
	Status             Status          `json:"status" db:"status"`
	ExpiresAt          time.Time       `json:"expires_at" db:"expires_at"`
	DocumentPath       string          `json:"document_path" db:"document_path"`
	SignedDocumentPath *string         `json:"signed_document_path,omitempty" db:"signed_document_path"`
	SignedAt           *time.Time      `json:"signed_at,omitempty" db:"signed_at"`
	ReminderSentAt     *time.Time      `json:"reminder_sent_at,omitempty" db:"reminder_sent_at"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	Spots              []SignatureSpot `json:"spots,omitempty" db:"-"`
}

// SignatureSpot stores raw persisted values. Values up to 100 are
// percentages of the page, larger ones are legacy absolute units.
type SignatureSpot struct {
	ID         int64     `json:"-" db:"id"`
	RequestID  uuid.UUID `json:"-" db:"request_id"`
	Position   int       `json:"-" db:"position"`
	PageNumber int       `json:"page_number" db:"page_number"`
	XPosition  float64   `json:"x_position" db:"x_position"`
	YPosition  float64   `json:"y_position" db:"y_position"`
	Width      float64   `json:"width" db:"width"`
	Height     float64   `json:"height" db:"height"`
}

func (s SignatureSpot) Normalize() placement.Spot {
	return placement.NewSpot(s.PageNumber, s.XPosition, s.YPosition, s.Width, s.Height)
}

// SignInput is a signing submission. Exactly one of RequestID and
// AccessToken must be set.
type SignInput struct {
	RequestID      string `json:"requestId"`
	AccessToken    string `json:"accessToken"`
	SignatureImage string `json:"signatureImage" binding:"required"`
	SignerName     string `json:"signerName"`
}

type SignResult struct {
	RequestID         uuid.UUID         `json:"requestId"`
	SignedDocumentRef string            `json:"signedDocumentRef"`
	SignedAt          time.Time         `json:"signedAt"`
	StampedSpots      int               `json:"stampedSpots"`
	SkippedSpots      []pdf.SkippedSpot `json:"skippedSpots,omitempty"`
}

type SpotInput struct {
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CreateRequestInput authors a new signature request. The document is either
// an already stored object (DocumentPath) or uploaded bytes (Document).
type CreateRequestInput struct {
	Title        string      `json:"title"`
	DocumentPath string      `json:"documentPath"`
	Document     []byte      `json:"-"`
	DocumentName string      `json:"-"`
	SignerUserID string      `json:"signerUserId"`
	SignerName   string      `json:"signerName"`
	SignerEmail  string      `json:"signerEmail"`
	ExpiresAt    *time.Time  `json:"expiresAt"`
	Spots        []SpotInput `json:"spots"`
}

// CreatedRequest carries the plaintext token. It is only ever returned once.
type CreatedRequest struct {
	Request     *SignatureRequest `json:"request"`
	AccessToken string            `json:"accessToken"`
	SigningLink string            `json:"signingLink"`
}

// SigningView is what a signer sees before submitting.
type SigningView struct {
	ID          uuid.UUID       `json:"id"`
	Title       string          `json:"title"`
	Status      Status          `json:"status"`
	ExpiresAt   time.Time       `json:"expiresAt"`
	Signable    bool            `json:"signable"`
	SignerName  string          `json:"signerName,omitempty"`
	SignedAt    *time.Time      `json:"signedAt,omitempty"`
	Spots       []SignatureSpot `json:"spots"`
	DocumentURL string          `json:"documentUrl"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
