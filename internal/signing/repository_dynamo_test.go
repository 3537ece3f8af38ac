package signing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDynamo struct {
	mock.Mock
}

func (m *mockDynamo) PutItem(ctx context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dynamodb.PutItemOutput), args.Error(1)
}

func (m *mockDynamo) GetItem(ctx context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dynamodb.GetItemOutput), args.Error(1)
}

func (m *mockDynamo) Query(ctx context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dynamodb.QueryOutput), args.Error(1)
}

func (m *mockDynamo) Scan(ctx context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dynamodb.ScanOutput), args.Error(1)
}

func (m *mockDynamo) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dynamodb.UpdateItemOutput), args.Error(1)
}

var testTables = DynamoTables{Table: "signature_requests", TokenIndex: "token_hash-index", OwnerIndex: "owner_id-index"}

func storedItem(t *testing.T, req *SignatureRequest) map[string]types.AttributeValue {
	t.Helper()
	av, err := attributevalue.MarshalMap(toDynamoItem(req))
	require.NoError(t, err)
	return av
}

func sampleRequest() *SignatureRequest {
	created := time.Date(2026, 3, 13, 9, 0, 0, 0, time.UTC)
	return &SignatureRequest{
		ID:           uuid.New(),
		Title:        "Lease",
		TokenHash:    "hash",
		OwnerID:      "owner-1",
		SignerUserID: optional("signer-1"),
		Status:       StatusPending,
		ExpiresAt:    created.Add(48 * time.Hour),
		DocumentPath: "docs/lease.pdf",
		CreatedAt:    created,
		Spots:        []SignatureSpot{{PageNumber: 2, XPosition: 20, YPosition: 80, Width: 20, Height: 8}},
	}
}

func TestDynamoCreateIsConditional(t *testing.T) {
	api := new(mockDynamo)
	repo := NewDynamoRepository(api, testTables)
	req := sampleRequest()

	api.On("PutItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		id, ok := in.Item["id"].(*types.AttributeValueMemberS)
		return *in.ConditionExpression == "attribute_not_exists(id)" && ok && id.Value == req.ID.String()
	})).Return(&dynamodb.PutItemOutput{}, nil).Once()
	api.On("PutItem", mock.Anything, mock.Anything).
		Return(nil, &types.ConditionalCheckFailedException{Message: new(string)}).Once()

	require.NoError(t, repo.Create(context.Background(), req))
	assert.ErrorContains(t, repo.Create(context.Background(), req), "already exists")
	api.AssertExpectations(t)
}

func TestDynamoGetByIDRoundTrip(t *testing.T) {
	api := new(mockDynamo)
	repo := NewDynamoRepository(api, testTables)
	req := sampleRequest()

	api.On("GetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		return in.ConsistentRead != nil && *in.ConsistentRead
	})).Return(&dynamodb.GetItemOutput{Item: storedItem(t, req)}, nil)

	got, err := repo.GetByID(context.Background(), req.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, req.ID, got.ID)
	assert.Equal(t, "signer-1", deref(got.SignerUserID))
	assert.Nil(t, got.SignerEmail)
	assert.Nil(t, got.SignedAt)
	assert.True(t, got.ExpiresAt.Equal(req.ExpiresAt))
	require.Len(t, got.Spots, 1)
	assert.Equal(t, 2, got.Spots[0].PageNumber)
	assert.Equal(t, req.ID, got.Spots[0].RequestID)
}

func TestDynamoGetByIDMissing(t *testing.T) {
	api := new(mockDynamo)
	repo := NewDynamoRepository(api, testTables)
	api.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{}, nil)

	got, err := repo.GetByID(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDynamoGetByTokenHashRereadsBaseItem(t *testing.T) {
	api := new(mockDynamo)
	repo := NewDynamoRepository(api, testTables)
	req := sampleRequest()

	stale := *req
	api.On("Query", mock.Anything, mock.MatchedBy(func(in *dynamodb.QueryInput) bool {
		return *in.IndexName == testTables.TokenIndex
	})).Return(&dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{storedItem(t, &stale)}}, nil)

	fresh := *req
	fresh.Status = StatusSigned
	api.On("GetItem", mock.Anything, mock.Anything).Return(&dynamodb.GetItemOutput{Item: storedItem(t, &fresh)}, nil)

	got, err := repo.GetByTokenHash(context.Background(), "hash")
	require.NoError(t, err)
	assert.Equal(t, StatusSigned, got.Status)
}

func TestDynamoListByOwnerNewestFirst(t *testing.T) {
	api := new(mockDynamo)
	repo := NewDynamoRepository(api, testTables)
	older, newer := sampleRequest(), sampleRequest()
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)

	api.On("Query", mock.Anything, mock.AnythingOfType("*dynamodb.QueryInput")).
		Return(&dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{storedItem(t, older), storedItem(t, newer)}}, nil)

	reqs, err := repo.ListByOwner(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, newer.ID, reqs[0].ID)
}

func TestDynamoMarkSigned(t *testing.T) {
	api := new(mockDynamo)
	repo := NewDynamoRepository(api, testTables)
	id := uuid.New()
	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	api.On("UpdateItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
		n, ok := in.ExpressionAttributeValues[":at"].(*types.AttributeValueMemberN)
		return ok && n.Value == "1773482400000" &&
			*in.ConditionExpression == "attribute_exists(id) AND #status = :pending AND expires_at > :at"
	})).Return(&dynamodb.UpdateItemOutput{}, nil).Once()
	api.On("UpdateItem", mock.Anything, mock.Anything).
		Return(nil, &types.ConditionalCheckFailedException{Message: new(string)}).Once()
	api.On("UpdateItem", mock.Anything, mock.Anything).
		Return(nil, errors.New("throttled")).Once()

	ok, err := repo.MarkSigned(context.Background(), id, "docs/lease_signed.pdf", at)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkSigned(context.Background(), id, "docs/lease_signed.pdf", at)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.MarkSigned(context.Background(), id, "docs/lease_signed.pdf", at)
	assert.Error(t, err)
	api.AssertExpectations(t)
}

func TestDynamoListDueForReminderHonorsLimit(t *testing.T) {
	api := new(mockDynamo)
	repo := NewDynamoRepository(api, testTables)
	later, sooner, soonest := sampleRequest(), sampleRequest(), sampleRequest()
	sooner.ExpiresAt = later.ExpiresAt.Add(-time.Hour)
	soonest.ExpiresAt = later.ExpiresAt.Add(-2 * time.Hour)

	api.On("Scan", mock.Anything, mock.AnythingOfType("*dynamodb.ScanInput")).
		Return(&dynamodb.ScanOutput{Items: []map[string]types.AttributeValue{
			storedItem(t, later), storedItem(t, sooner), storedItem(t, soonest),
		}}, nil)

	due, err := repo.ListDueForReminder(context.Background(), time.Now(), time.Now().Add(time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, soonest.ID, due[0].ID)
	assert.Equal(t, sooner.ID, due[1].ID)
}
