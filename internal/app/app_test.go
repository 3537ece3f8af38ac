package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dealer-portal/esign-backend/internal/config"
	"dealer-portal/esign-backend/pkg/storage"
)

func localConfig() *config.Config {
	cfg := config.Default()
	cfg.Database.Driver = config.DriverDynamoDB
	cfg.Dynamo.Region = "us-east-1"
	cfg.Dynamo.Endpoint = "http://localhost:8000"
	cfg.Storage.Driver = config.StorageMemory
	cfg.Storage.Bucket = "documents"
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Notifications.SESFromAddress = ""
	cfg.Notifications.SNSTopicARN = ""
	return cfg
}

func TestNewWiresLocalComponents(t *testing.T) {
	a, err := New(context.Background(), localConfig(), zap.NewNop(), true)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.DB)
	assert.NotNil(t, a.Repository)
	assert.IsType(t, &storage.MemoryClient{}, a.Storage)
	assert.NotNil(t, a.Identity)
	assert.NotNil(t, a.Realtime)
	assert.NotNil(t, a.Dispatcher)
	assert.NotNil(t, a.Service)
}

func TestNewWithoutRealtime(t *testing.T) {
	a, err := New(context.Background(), localConfig(), zap.NewNop(), false)
	require.NoError(t, err)

	assert.Nil(t, a.Realtime)
	a.Close()
	a.Close()
}
