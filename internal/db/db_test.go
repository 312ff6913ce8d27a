package db

import (
	"context"
	"os"
	"testing"

	"chat-relay/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseMigrateIsRepeatable(t *testing.T) {
	dsn := os.Getenv("CHAT_RELAY_TEST_DSN")
	if dsn == "" {
		t.Skip("CHAT_RELAY_TEST_DSN not set")
	}
	ctx := context.Background()

	d, err := NewDatabase(ctx, dsn, logger.NewNop())
	require.NoError(t, err)
	defer d.Close()

	require.NoError(t, d.Migrate())
	require.NoError(t, d.Migrate())
	assert.NoError(t, d.Ping(ctx))

	var n int
	require.NoError(t, d.Conn.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM information_schema.tables WHERE table_name IN ('users', 'chats', 'chat_members', 'messages')",
	).Scan(&n))
	assert.Equal(t, 4, n)
}

func TestNewDatabaseRejectsBadDSN(t *testing.T) {
	_, err := NewDatabase(context.Background(), "postgres://%zz", logger.NewNop())
	assert.Error(t, err)
}
