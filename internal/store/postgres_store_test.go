package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/silohost/internal/config"
)

// postgresConnString returns the test database, skipping when none is set
func postgresConnString(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	conn := os.Getenv("SILO_TEST_POSTGRES")
	if conn == "" {
		t.Skip("SILO_TEST_POSTGRES not set")
	}
	return conn
}

func TestPostgresStore(t *testing.T) {
	pool, err := OpenPostgres(context.Background(), postgresConnString(t))
	require.NoError(t, err)
	defer pool.Close()

	for _, useJSON := range []bool{true, false} {
		s := NewPostgresStore(pool, "test-"+t.Name(), NewCodec(useJSON, config.TypeNameHandlingAll), zap.NewNop())
		require.NoError(t, s.EnsureSchema(context.Background()))
		stateStoreContract(t, s)
	}
}
