package signing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
)

// DynamoAPI is the subset of the DynamoDB client the repository uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

type DynamoTables struct {
	Table      string
	TokenIndex string
	OwnerIndex string
}

// dynamoItem is one request with its spots embedded. Timestamps are unix
// milliseconds so conditions can compare them numerically.
type dynamoItem struct {
	ID                 string       `dynamodbav:"id"`
	Title              string       `dynamodbav:"title"`
	TokenHash          string       `dynamodbav:"token_hash"`
	OwnerID            string       `dynamodbav:"owner_id"`
	OwnerEmail         string       `dynamodbav:"owner_email,omitempty"`
	OwnerName          string       `dynamodbav:"owner_name,omitempty"`
	SignerUserID       string       `dynamodbav:"signer_user_id,omitempty"`
	SignerName         string       `dynamodbav:"signer_name,omitempty"`
	SignerEmail        string       `dynamodbav:"signer_email,omitempty"`
	Status             string       `dynamodbav:"status"`
	ExpiresAt          int64        `dynamodbav:"expires_at"`
	DocumentPath       string       `dynamodbav:"document_path"`
	SignedDocumentPath string       `dynamodbav:"signed_document_path,omitempty"`
	SignedAt           int64        `dynamodbav:"signed_at,omitempty"`
	ReminderSentAt     int64        `dynamodbav:"reminder_sent_at,omitempty"`
	CreatedAt          int64        `dynamodbav:"created_at"`
	Spots              []dynamoSpot `dynamodbav:"spots"`
}

type dynamoSpot struct {
	PageNumber int     `dynamodbav:"page_number"`
	XPosition  float64 `dynamodbav:"x_position"`
	YPosition  float64 `dynamodbav:"y_position"`
	Width      float64 `dynamodbav:"width"`
	Height     float64 `dynamodbav:"height"`
}

type dynamoRepository struct {
	api    DynamoAPI
	tables DynamoTables
}

func NewDynamoRepository(api DynamoAPI, tables DynamoTables) Repository {
	return &dynamoRepository{api: api, tables: tables}
}

func toMillis(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) *time.Time {
	if ms == 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}

func toDynamoItem(req *SignatureRequest) dynamoItem {
	item := dynamoItem{
		ID:                 req.ID.String(),
		Title:              req.Title,
		TokenHash:          req.TokenHash,
		OwnerID:            req.OwnerID,
		OwnerEmail:         deref(req.OwnerEmail),
		OwnerName:          deref(req.OwnerName),
		SignerUserID:       deref(req.SignerUserID),
		SignerName:         deref(req.SignerName),
		SignerEmail:        deref(req.SignerEmail),
		Status:             string(req.Status),
		ExpiresAt:          req.ExpiresAt.UnixMilli(),
		DocumentPath:       req.DocumentPath,
		SignedDocumentPath: deref(req.SignedDocumentPath),
		SignedAt:           toMillis(req.SignedAt),
		ReminderSentAt:     toMillis(req.ReminderSentAt),
		CreatedAt:          req.CreatedAt.UnixMilli(),
		Spots:              make([]dynamoSpot, len(req.Spots)),
	}
	for i, s := range req.Spots {
		item.Spots[i] = dynamoSpot{
			PageNumber: s.PageNumber,
			XPosition:  s.XPosition,
			YPosition:  s.YPosition,
			Width:      s.Width,
			Height:     s.Height,
		}
	}
	return item
}

func (item dynamoItem) request() (*SignatureRequest, error) {
	id, err := uuid.Parse(item.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid stored id %q: %w", item.ID, err)
	}
	req := &SignatureRequest{
		ID:                 id,
		Title:              item.Title,
		TokenHash:          item.TokenHash,
		OwnerID:            item.OwnerID,
		OwnerEmail:         optional(item.OwnerEmail),
		OwnerName:          optional(item.OwnerName),
		SignerUserID:       optional(item.SignerUserID),
		SignerName:         optional(item.SignerName),
		SignerEmail:        optional(item.SignerEmail),
		Status:             Status(item.Status),
		ExpiresAt:          time.UnixMilli(item.ExpiresAt).UTC(),
		DocumentPath:       item.DocumentPath,
		SignedDocumentPath: optional(item.SignedDocumentPath),
		SignedAt:           fromMillis(item.SignedAt),
		ReminderSentAt:     fromMillis(item.ReminderSentAt),
		CreatedAt:          time.UnixMilli(item.CreatedAt).UTC(),
	}
	for i, s := range item.Spots {
		req.Spots = append(req.Spots, SignatureSpot{
			RequestID:  id,
			Position:   i,
			PageNumber: s.PageNumber,
			XPosition:  s.XPosition,
			YPosition:  s.YPosition,
			Width:      s.Width,
			Height:     s.Height,
		})
	}
	return req, nil
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func (r *dynamoRepository) Create(ctx context.Context, req *SignatureRequest) error {
	av, err := attributevalue.MarshalMap(toDynamoItem(req))
	if err != nil {
		return fmt.Errorf("failed to marshal signature request: %w", err)
	}
	_, err = r.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tables.Table),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if isConditionFailure(err) {
		return fmt.Errorf("signature request %s already exists", req.ID)
	}
	return err
}

func (r *dynamoRepository) GetByID(ctx context.Context, id uuid.UUID) (*SignatureRequest, error) {
	out, err := r.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tables.Table),
		Key:            map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id.String()}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signature request: %w", err)
	}
	return item.request()
}

// GetByTokenHash reads the token index, then re-reads the base item
// consistently since index reads are eventually consistent.
func (r *dynamoRepository) GetByTokenHash(ctx context.Context, tokenHash string) (*SignatureRequest, error) {
	out, err := r.api.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.tables.Table),
		IndexName:                 aws.String(r.tables.TokenIndex),
		KeyConditionExpression:    aws.String("token_hash = :h"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":h": &types.AttributeValueMemberS{Value: tokenHash}},
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signature request: %w", err)
	}
	id, err := uuid.Parse(item.ID)
	if err != nil {
		return nil, fmt.Errorf("invalid stored id %q: %w", item.ID, err)
	}
	return r.GetByID(ctx, id)
}

func (r *dynamoRepository) ListByOwner(ctx context.Context, ownerID string) ([]SignatureRequest, error) {
	paginator := dynamodb.NewQueryPaginator(r.api, &dynamodb.QueryInput{
		TableName:                 aws.String(r.tables.Table),
		IndexName:                 aws.String(r.tables.OwnerIndex),
		KeyConditionExpression:    aws.String("owner_id = :o"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":o": &types.AttributeValueMemberS{Value: ownerID}},
		ScanIndexForward:          aws.Bool(false),
	})

	var reqs []SignatureRequest
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		batch, err := unmarshalRequests(page.Items)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, batch...)
	}
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].CreatedAt.After(reqs[j].CreatedAt) })
	return reqs, nil
}

func unmarshalRequests(items []map[string]types.AttributeValue) ([]SignatureRequest, error) {
	var stored []dynamoItem
	if err := attributevalue.UnmarshalListOfMaps(items, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signature requests: %w", err)
	}
	reqs := make([]SignatureRequest, 0, len(stored))
	for _, item := range stored {
		req, err := item.request()
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *req)
	}
	return reqs, nil
}

func (r *dynamoRepository) MarkSigned(ctx context.Context, id uuid.UUID, signedDocumentPath string, signedAt time.Time) (bool, error) {
	_, err := r.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tables.Table),
		Key:                 map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id.String()}},
		UpdateExpression:    aws.String("SET #status = :signed, signed_document_path = :path, signed_at = :at"),
		ConditionExpression: aws.String("attribute_exists(id) AND #status = :pending AND expires_at > :at"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":signed":  &types.AttributeValueMemberS{Value: string(StatusSigned)},
			":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
			":path":    &types.AttributeValueMemberS{Value: signedDocumentPath},
			":at":      &types.AttributeValueMemberN{Value: fmt.Sprint(signedAt.UnixMilli())},
		},
	})
	if isConditionFailure(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *dynamoRepository) ListDueForReminder(ctx context.Context, now, until time.Time, limit int) ([]SignatureRequest, error) {
	paginator := dynamodb.NewScanPaginator(r.api, &dynamodb.ScanInput{
		TableName:        aws.String(r.tables.Table),
		FilterExpression: aws.String("#status = :pending AND attribute_not_exists(reminder_sent_at) AND expires_at > :now AND expires_at <= :until"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
			":now":     &types.AttributeValueMemberN{Value: fmt.Sprint(now.UnixMilli())},
			":until":   &types.AttributeValueMemberN{Value: fmt.Sprint(until.UnixMilli())},
		},
	})

	var reqs []SignatureRequest
	for paginator.HasMorePages() && len(reqs) < limit {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		batch, err := unmarshalRequests(page.Items)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, batch...)
	}
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].ExpiresAt.Before(reqs[j].ExpiresAt) })
	if len(reqs) > limit {
		reqs = reqs[:limit]
	}
	return reqs, nil
}

func (r *dynamoRepository) MarkReminded(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	_, err := r.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tables.Table),
		Key:                 map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id.String()}},
		UpdateExpression:    aws.String("SET reminder_sent_at = :at"),
		ConditionExpression: aws.String("attribute_exists(id) AND #status = :pending AND attribute_not_exists(reminder_sent_at)"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
			":at":      &types.AttributeValueMemberN{Value: fmt.Sprint(at.UnixMilli())},
		},
	})
	if isConditionFailure(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
