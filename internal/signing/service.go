package signing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dealer-portal/esign-backend/internal/config"
	"dealer-portal/esign-backend/internal/notifications"
	"dealer-portal/esign-backend/pkg/pdf"
	"dealer-portal/esign-backend/pkg/placement"
	"dealer-portal/esign-backend/pkg/security"
	"dealer-portal/esign-backend/pkg/storage"
)

const (
	anonymousSigner    = "Anonymous signer"
	reminderBatchLimit = 100
)

type Service interface {
	Sign(ctx context.Context, credential string, in SignInput) (*SignResult, error)
	CreateRequest(ctx context.Context, credential string, in CreateRequestInput) (*CreatedRequest, error)
	GetForSigningByID(ctx context.Context, credential, requestID string) (*SigningView, error)
	GetForSigningByToken(ctx context.Context, token string) (*SigningView, error)
	ListOwned(ctx context.Context, credential string) ([]SignatureRequest, error)
	GetOwned(ctx context.Context, credential, requestID string) (*SignatureRequest, error)
	SignedDocumentURL(ctx context.Context, credential, requestID string) (string, error)
	ExportOwned(ctx context.Context, credential string, w io.Writer) error
	SendReminders(ctx context.Context) (int, error)
	// Wait blocks until in-flight notifications have been handed off.
	Wait()
}

// Notifier receives lifecycle events. Delivery is best effort.
type Notifier interface {
	Dispatch(ctx context.Context, event notifications.Event) []notifications.DeliveryResult
}

type Options struct {
	Signing    config.SigningConfig
	PresignTTL time.Duration
}

type signingService struct {
	repo      Repository
	validator *Validator
	storage   storage.Client
	stamper   pdf.Stamper
	notifier  Notifier
	opts      Options
	logger    *zap.Logger
	now       func() time.Time
	inflight  sync.WaitGroup
}

func NewService(
	repo Repository,
	identity security.IdentityProvider,
	store storage.Client,
	stamper pdf.Stamper,
	notifier Notifier,
	opts Options,
	logger *zap.Logger,
) Service {
	return &signingService{
		repo:      repo,
		validator: NewValidator(repo, identity),
		storage:   store,
		stamper:   stamper,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.With(zap.String("service", "signing")),
		now:       time.Now,
	}
}

func (s *signingService) Sign(ctx context.Context, credential string, in SignInput) (result *SignResult, err error) {
	defer func() { signAttemptsTotal.WithLabelValues(outcomeLabel(err)).Inc() }()

	hasID, hasToken := in.RequestID != "", in.AccessToken != ""
	if hasID == hasToken {
		return nil, invalid("exactly one of requestId or accessToken is required")
	}
	signature, err := DecodeSignatureImage(in.SignatureImage)
	if err != nil {
		return nil, err
	}

	var req *SignatureRequest
	var caller *security.Identity
	if hasID {
		req, caller, err = s.validator.ResolveByID(ctx, credential, in.RequestID)
	} else {
		req, err = s.validator.ResolveByToken(ctx, in.AccessToken)
	}
	if err != nil {
		if errors.Is(err, ErrForbidden) || errors.Is(err, ErrUnauthenticated) {
			s.logger.Info("Signing rejected", zap.String("request_id", in.RequestID), zap.Error(err))
		}
		return nil, err
	}

	logger := s.logger.With(zap.String("request_id", req.ID.String()))

	if err := CheckSignable(req, s.now()); err != nil {
		return nil, err
	}

	original, err := s.storage.Download(ctx, req.DocumentPath)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Error("Original document missing", zap.String("document_path", req.DocumentPath))
		return nil, fmt.Errorf("original document %s missing: %w", req.DocumentPath, err)
	}
	if err != nil {
		return nil, transient("failed to download original document: %v", err)
	}

	signedAt := s.now().UTC()
	stamped, err := s.stamp(ctx, original, signature, req.Spots, signedAt)
	if err != nil {
		if errors.Is(err, pdf.ErrMalformedDocument) || errors.Is(err, pdf.ErrMalformedImage) {
			logger.Error("Signing aborted on malformed input", zap.Error(err))
		}
		return nil, err
	}
	for _, skipped := range stamped.Skipped {
		skippedSpotsTotal.WithLabelValues(skipped.Reason).Inc()
		logger.Warn("Signature spot skipped",
			zap.Int("spot_index", skipped.Index),
			zap.Int("page", skipped.Page),
			zap.Int("page_count", stamped.Pages),
			zap.String("reason", skipped.Reason))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// blob first, then the status commit
	signedPath := SignedPath(req.DocumentPath)
	if err := s.storeArtifact(ctx, req.ID, signedPath, stamped.Document, logger); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		s.discardArtifact(signedPath, logger)
		return nil, err
	}

	committed, err := s.repo.MarkSigned(ctx, req.ID, signedPath, signedAt)
	if err != nil {
		// the commit outcome is unknown, so the artifact stays
		return nil, transient("failed to commit signature: %v", err)
	}
	if !committed {
		return nil, s.resolveLostCommit(ctx, req.ID, signedPath, logger)
	}

	logger.Info("Signature request signed",
		zap.String("signed_document_path", signedPath),
		zap.Int("stamped_spots", len(stamped.Stamped)),
		zap.Int("skipped_spots", len(stamped.Skipped)))

	s.notify(ctx, notifications.Event{
		Type:              notifications.EventSignatureCompleted,
		RequestID:         req.ID.String(),
		RequestTitle:      req.Title,
		SignerName:        signerName(in.SignerName, req, caller),
		SignerEmail:       signerEmail(req, caller),
		SignerUserID:      deref(req.SignerUserID),
		SignedAt:          &signedAt,
		OwnerID:           req.OwnerID,
		OwnerEmail:        deref(req.OwnerEmail),
		SignedDocumentRef: signedPath,
	})

	return &SignResult{
		RequestID:         req.ID,
		SignedDocumentRef: signedPath,
		SignedAt:          signedAt,
		StampedSpots:      len(stamped.Stamped),
		SkippedSpots:      stamped.Skipped,
	}, nil
}

// stamp runs the stamper under the configured timeout. A timeout leaves no
// state behind and is reported as transient.
func (s *signingService) stamp(ctx context.Context, original, signature []byte, spots []SignatureSpot, signedAt time.Time) (*pdf.Result, error) {
	stampCtx, cancel := context.WithTimeout(ctx, s.opts.Signing.StampTimeout)
	defer cancel()

	normalized := make([]placement.Spot, len(spots))
	for i, spot := range spots {
		normalized[i] = spot.Normalize()
	}

	type outcome struct {
		res *pdf.Result
		err error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		res, err := s.stamper.Stamp(stampCtx, original, signature, normalized, pdf.StampOptions{
			SignedAt:   signedAt,
			DateLayout: s.opts.Signing.DateLayout,
			FontSize:   s.opts.Signing.LabelFontSize,
		})
		done <- outcome{res: res, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-stampCtx.Done():
		o.err = stampCtx.Err()
	}
	stampDuration.Observe(time.Since(start).Seconds())

	switch {
	case o.err == nil:
		return o.res, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(o.err, context.DeadlineExceeded):
		return nil, transient("stamping timed out after %s", s.opts.Signing.StampTimeout)
	default:
		return nil, fmt.Errorf("failed to stamp document: %w", o.err)
	}
}

// storeArtifact writes the signed document create-only. An existing object
// is either the winner's artifact, a concurrent attempt's, or a leftover
// from an attempt that died before committing.
func (s *signingService) storeArtifact(ctx context.Context, id uuid.UUID, path string, document []byte, logger *zap.Logger) error {
	err := s.storage.Upload(ctx, path, document, pdfContentType)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrAlreadyExists) {
		return transient("failed to upload signed document: %v", err)
	}

	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return transient("failed to reload signature request: %v", err)
	}
	if current == nil {
		return ErrNotFound
	}
	if err := CheckSignable(current, s.now()); err != nil {
		return err
	}

	info, err := s.storage.Stat(ctx, path)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return transient("failed to inspect existing signed document: %v", err)
	case s.now().Sub(info.LastModified) < s.opts.Signing.LeftoverAge:
		return transient("signing already in progress")
	}

	logger.Warn("Replacing abandoned signed document", zap.String("signed_document_path", path))
	if err := s.storage.Put(ctx, path, document, pdfContentType); err != nil {
		return transient("failed to upload signed document: %v", err)
	}
	return nil
}

// resolveLostCommit explains a compare-and-set that matched no row.
func (s *signingService) resolveLostCommit(ctx context.Context, id uuid.UUID, path string, logger *zap.Logger) error {
	current, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return transient("failed to reload signature request: %v", err)
	}
	switch {
	case current == nil:
		s.discardArtifact(path, logger)
		return ErrNotFound
	case current.Status == StatusSigned:
		logger.Info("Lost signing race", zap.Stringp("winner_path", current.SignedDocumentPath))
		return ErrAlreadySigned
	case !s.now().Before(current.ExpiresAt):
		s.discardArtifact(path, logger)
		return ErrExpired
	default:
		return transient("signature commit did not apply")
	}
}

func (s *signingService) discardArtifact(path string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.storage.Delete(ctx, path); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("Failed to discard uncommitted signed document",
			zap.String("signed_document_path", path), zap.Error(err))
	}
}

// notify hands the event to the notifier without tying it to the caller's
// lifetime. Failures are logged by the notifier and never surface here.
func (s *signingService) notify(ctx context.Context, event notifications.Event) {
	if s.notifier == nil {
		return
	}
	event.OccurredAt = s.now().UTC()
	detached := context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Notification dispatch panicked", zap.Any("panic", r))
			}
		}()
		s.notifier.Dispatch(detached, event)
	}()
}

func (s *signingService) Wait() {
	s.inflight.Wait()
}

func signerName(submitted string, req *SignatureRequest, caller *security.Identity) string {
	if name := strings.TrimSpace(submitted); name != "" {
		return name
	}
	if name := deref(req.SignerName); name != "" {
		return name
	}
	if caller != nil {
		if caller.Name != "" {
			return caller.Name
		}
		if caller.Email != "" {
			return caller.Email
		}
	}
	return anonymousSigner
}

func signerEmail(req *SignatureRequest, caller *security.Identity) string {
	if email := deref(req.SignerEmail); email != "" {
		return email
	}
	if caller != nil {
		return caller.Email
	}
	return ""
}

func (s *signingService) CreateRequest(ctx context.Context, credential string, in CreateRequestInput) (*CreatedRequest, error) {
	owner, err := s.validator.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, invalid("title is required")
	}
	if (in.DocumentPath == "") == (len(in.Document) == 0) {
		return nil, invalid("exactly one of documentPath or an uploaded document is required")
	}
	expiresAt := now.Add(s.opts.Signing.DefaultExpiry)
	if in.ExpiresAt != nil {
		expiresAt = in.ExpiresAt.UTC()
	}
	if !expiresAt.After(now) {
		return nil, invalid("expiresAt must be in the future")
	}
	for i, spot := range in.Spots {
		if spot.Page < 1 {
			return nil, invalid("spot %d: page must be at least 1", i)
		}
		if spot.X < 0 || spot.Y < 0 {
			return nil, invalid("spot %d: position must not be negative", i)
		}
		if spot.Width <= 0 || spot.Height <= 0 {
			return nil, invalid("spot %d: width and height must be positive", i)
		}
	}

	id := uuid.New()
	document := in.Document
	documentPath := in.DocumentPath
	if documentPath != "" {
		document, err = s.storage.Download(ctx, documentPath)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, invalid("document %s does not exist", documentPath)
		}
		if err != nil {
			return nil, transient("failed to read document: %v", err)
		}
	}

	pages, err := pdf.Inspect(document)
	if err != nil {
		return nil, invalid("document is not a readable PDF")
	}
	for i, spot := range in.Spots {
		if spot.Page > len(pages) {
			return nil, invalid("spot %d: page %d is beyond the document's %d pages", i, spot.Page, len(pages))
		}
	}

	uploaded := false
	if documentPath == "" {
		documentPath = originalKey(owner.UserID, id, in.DocumentName)
		if err := s.storage.Upload(ctx, documentPath, document, pdfContentType); err != nil {
			return nil, transient("failed to store document: %v", err)
		}
		uploaded = true
	}

	token, err := security.NewCapabilityToken()
	if err != nil {
		return nil, err
	}

	req := &SignatureRequest{
		ID:           id,
		Title:        title,
		TokenHash:    security.HashToken(token),
		OwnerID:      owner.UserID,
		OwnerEmail:   optional(owner.Email),
		OwnerName:    optional(owner.Name),
		SignerUserID: optional(strings.TrimSpace(in.SignerUserID)),
		SignerName:   optional(strings.TrimSpace(in.SignerName)),
		SignerEmail:  optional(strings.TrimSpace(in.SignerEmail)),
		Status:       StatusPending,
		ExpiresAt:    expiresAt,
		DocumentPath: documentPath,
		CreatedAt:    now,
		Spots:        make([]SignatureSpot, len(in.Spots)),
	}
	for i, spot := range in.Spots {
		req.Spots[i] = SignatureSpot{
			RequestID:  id,
			Position:   i,
			PageNumber: spot.Page,
			XPosition:  spot.X,
			YPosition:  spot.Y,
			Width:      spot.Width,
			Height:     spot.Height,
		}
	}

	if err := s.repo.Create(ctx, req); err != nil {
		if uploaded {
			s.discardArtifact(documentPath, s.logger)
		}
		return nil, fmt.Errorf("failed to create signature request: %w", err)
	}
	requestsCreatedTotal.Inc()

	link := s.signingLink(token)
	s.logger.Info("Signature request created",
		zap.String("request_id", id.String()),
		zap.String("owner_id", owner.UserID),
		zap.Int("spots", len(req.Spots)))

	s.notify(ctx, notifications.Event{
		Type:         notifications.EventSignatureRequested,
		RequestID:    id.String(),
		RequestTitle: title,
		SignerName:   signerName("", req, nil),
		SignerEmail:  deref(req.SignerEmail),
		SignerUserID: deref(req.SignerUserID),
		OwnerID:      owner.UserID,
		OwnerEmail:   owner.Email,
		SigningLink:  link,
		ExpiresAt:    &expiresAt,
	})

	return &CreatedRequest{Request: req, AccessToken: token, SigningLink: link}, nil
}

func (s *signingService) signingLink(token string) string {
	base := strings.TrimRight(s.opts.Signing.PublicBaseURL, "/")
	return base + "/sign?token=" + url.QueryEscape(token)
}

func (s *signingService) requestLink(id uuid.UUID) string {
	base := strings.TrimRight(s.opts.Signing.PublicBaseURL, "/")
	return base + "/sign/requests/" + id.String()
}

func (s *signingService) GetForSigningByID(ctx context.Context, credential, requestID string) (*SigningView, error) {
	req, _, err := s.validator.ResolveByID(ctx, credential, requestID)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, req)
}

func (s *signingService) GetForSigningByToken(ctx context.Context, token string) (*SigningView, error) {
	req, err := s.validator.ResolveByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, req)
}

func (s *signingService) view(ctx context.Context, req *SignatureRequest) (*SigningView, error) {
	documentPath := req.DocumentPath
	if req.Status == StatusSigned && req.SignedDocumentPath != nil {
		documentPath = *req.SignedDocumentPath
	}
	documentURL, err := s.storage.GetPresignedURL(ctx, documentPath, s.opts.PresignTTL)
	if err != nil {
		return nil, transient("failed to presign document: %v", err)
	}

	spots := req.Spots
	if spots == nil {
		spots = []SignatureSpot{}
	}
	return &SigningView{
		ID:          req.ID,
		Title:       req.Title,
		Status:      req.Status,
		ExpiresAt:   req.ExpiresAt,
		Signable:    isSignable(req, s.now()),
		SignerName:  deref(req.SignerName),
		SignedAt:    req.SignedAt,
		Spots:       spots,
		DocumentURL: documentURL,
	}, nil
}

func (s *signingService) ListOwned(ctx context.Context, credential string) ([]SignatureRequest, error) {
	owner, err := s.validator.Authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}
	reqs, err := s.repo.ListByOwner(ctx, owner.UserID)
	if err != nil {
		return nil, transient("failed to list signature requests: %v", err)
	}
	if reqs == nil {
		reqs = []SignatureRequest{}
	}
	return reqs, nil
}

func (s *signingService) GetOwned(ctx context.Context, credential, requestID string) (*SignatureRequest, error) {
	req, _, err := s.validator.ResolveOwned(ctx, credential, requestID)
	return req, err
}

func (s *signingService) SignedDocumentURL(ctx context.Context, credential, requestID string) (string, error) {
	req, _, err := s.validator.ResolveOwned(ctx, credential, requestID)
	if err != nil {
		return "", err
	}
	if req.Status != StatusSigned || req.SignedDocumentPath == nil {
		return "", fmt.Errorf("%w: request %s has no signed document yet", ErrNotFound, req.ID)
	}
	signedURL, err := s.storage.GetPresignedURL(ctx, *req.SignedDocumentPath, s.opts.PresignTTL)
	if err != nil {
		return "", transient("failed to presign signed document: %v", err)
	}
	return signedURL, nil
}

func (s *signingService) ExportOwned(ctx context.Context, credential string, w io.Writer) error {
	reqs, err := s.ListOwned(ctx, credential)
	if err != nil {
		return err
	}
	return NewAuditExporter(DefaultAuditOptions()).Export(w, reqs, s.now())
}

// SendReminders emits one reminder per pending request that expires within
// the reminder window. Requests are marked first so a reminder is sent at
// most once even with several workers.
func (s *signingService) SendReminders(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.repo.ListDueForReminder(ctx, now, now.Add(s.opts.Signing.ReminderWindow), reminderBatchLimit)
	if err != nil {
		return 0, fmt.Errorf("failed to list due requests: %w", err)
	}

	sent := 0
	for i := range due {
		req := &due[i]
		marked, err := s.repo.MarkReminded(ctx, req.ID, now)
		if err != nil {
			s.logger.Warn("Failed to mark reminder", zap.String("request_id", req.ID.String()), zap.Error(err))
			continue
		}
		if !marked {
			continue
		}

		event := notifications.Event{
			Type:         notifications.EventSignatureReminder,
			RequestID:    req.ID.String(),
			RequestTitle: req.Title,
			SignerName:   signerName("", req, nil),
			SignerEmail:  deref(req.SignerEmail),
			SignerUserID: deref(req.SignerUserID),
			OwnerID:      req.OwnerID,
			OwnerEmail:   deref(req.OwnerEmail),
			ExpiresAt:    &req.ExpiresAt,
			OccurredAt:   now,
		}
		// the plaintext token is never stored, so only bound signers get a link
		if req.SignerUserID != nil {
			event.SigningLink = s.requestLink(req.ID)
		}
		if s.notifier != nil {
			s.notifier.Dispatch(ctx, event)
		}
		remindersSentTotal.Inc()
		sent++
	}

	if sent > 0 {
		s.logger.Info("Expiry reminders sent", zap.Int("count", sent))
	}
	return sent, nil
}
