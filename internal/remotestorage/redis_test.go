package remotestorage

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMatchesPatterns(t *testing.T) {
	c := NewRedisClient("localhost:6379", 0, "app1", []string{"todos", "todos:*"}, 0, zap.NewNop())

	assert.True(t, c.matchesPatterns("app1:todos"))
	assert.True(t, c.matchesPatterns("app1:todos:1:completed"))
	assert.False(t, c.matchesPatterns("app1:settings:theme"))
}

func TestMatchesPatternsEmptyMatchesEverything(t *testing.T) {
	c := NewRedisClient("localhost:6379", 0, "app1", nil, 0, zap.NewNop())
	assert.True(t, c.matchesPatterns("app1:anything:at:all"))
}

// TestRedisClientIntegration exercises Connect/Set/Range/Delete
// against a real Redis instance. It is skipped unless REDIS_ADDR is set,
// rather than bringing in a fake transport for a test that wants to
// exercise the real driver.
func TestRedisClientIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set, skipping live Redis integration test")
	}

	ns := "multiplayer-test"
	client := NewRedisClient(addr, 0, ns, nil, 0, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Connect(ctx, "test-token"))
	defer client.Close()

	key := ns + ":counter"
	require.NoError(t, client.Set(ctx, key, []byte(`{"value":1,"clientId":"c1","timestamp":1}`), true))

	r, err := client.Range(ctx, ns+":", ns+":￿", 100)
	require.NoError(t, err)
	assert.NotEmpty(t, r.Items)

	require.NoError(t, client.Delete(ctx, key))
}
