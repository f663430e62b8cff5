//go:build integration

package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mkraev/ordergrid/internal/domain/order"
)

// startPostgres runs a disposable PostgreSQL container, applies the schema,
// and returns a repository bound to it.
func startPostgres(t *testing.T) *OrderRepository {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "ordergrid",
				"POSTGRES_PASSWORD": "ordergrid",
				"POSTGRES_DB":       "ordergrid",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://ordergrid:ordergrid@%s:%s/ordergrid?sslmode=disable", host, port.Port())

	pool, err := NewPool(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, RunMigrations(ctx, pool))
	return NewOrderRepository(pool)
}

func testOrder(id, userID string, status order.Status, createdAt time.Time) *order.Order {
	return &order.Order{
		ID:     id,
		UserID: userID,
		Items: []order.LineItem{
			{ProductID: "p1", Quantity: 2, Price: decimal.RequireFromString("9.99")},
		},
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestIntegration_SaveAndFindByID(t *testing.T) {
	repo := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	o := testOrder("11111111-1111-1111-1111-111111111111", "u1", order.StatusCreated, now)
	require.NoError(t, repo.Save(ctx, o))

	got, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.UserID, got.UserID)
	assert.Equal(t, order.StatusCreated, got.Status)
	require.Len(t, got.Items, 1)
	assert.True(t, o.Items[0].Price.Equal(got.Items[0].Price))
	assert.True(t, o.CreatedAt.Equal(got.CreatedAt))

	_, err = repo.FindByID(ctx, "22222222-2222-2222-2222-222222222222")
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestIntegration_SaveUpserts(t *testing.T) {
	repo := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	o := testOrder("11111111-1111-1111-1111-111111111111", "u1", order.StatusCreated, now)
	require.NoError(t, repo.Save(ctx, o))

	o.Status = order.StatusPaid
	o.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, repo.Save(ctx, o))

	got, err := repo.FindByID(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, got.Status)
}

func TestIntegration_IdempotencyKeyUnique(t *testing.T) {
	repo := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := testOrder("11111111-1111-1111-1111-111111111111", "u1", order.StatusCreated, now)
	first.IdempotencyKey = "key-1"
	require.NoError(t, repo.Save(ctx, first))

	second := testOrder("22222222-2222-2222-2222-222222222222", "u2", order.StatusCreated, now)
	second.IdempotencyKey = "key-1"
	err := repo.Save(ctx, second)
	require.ErrorIs(t, err, order.ErrConstraint)

	got, err := repo.FindByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	// Empty keys are exempt from the unique index.
	third := testOrder("33333333-3333-3333-3333-333333333333", "u3", order.StatusCreated, now)
	fourth := testOrder("44444444-4444-4444-4444-444444444444", "u4", order.StatusCreated, now)
	require.NoError(t, repo.Save(ctx, third))
	require.NoError(t, repo.Save(ctx, fourth))
}

func TestIntegration_FindWithFilter(t *testing.T) {
	repo := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, repo.Save(ctx, testOrder("11111111-1111-1111-1111-111111111111", "u1", order.StatusCreated, now.Add(-3*time.Hour))))
	require.NoError(t, repo.Save(ctx, testOrder("22222222-2222-2222-2222-222222222222", "u1", order.StatusPaid, now.Add(-2*time.Hour))))
	require.NoError(t, repo.Save(ctx, testOrder("33333333-3333-3333-3333-333333333333", "u2", order.StatusPaid, now.Add(-time.Hour))))

	byUser, err := repo.Find(ctx, order.Filter{}.Where("user_id", order.OpEq, "u1"))
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	// Newest first.
	assert.Equal(t, "22222222-2222-2222-2222-222222222222", byUser[0].ID)

	byStatuses, err := repo.Find(ctx, order.Filter{}.
		Where("status", order.OpIn, []order.Status{order.StatusPaid}))
	require.NoError(t, err)
	assert.Len(t, byStatuses, 2)

	page, err := repo.Find(ctx, order.Filter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "22222222-2222-2222-2222-222222222222", page[0].ID)
}

func TestIntegration_Delete(t *testing.T) {
	repo := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	o := testOrder("11111111-1111-1111-1111-111111111111", "u1", order.StatusCreated, now)
	require.NoError(t, repo.Save(ctx, o))

	require.NoError(t, repo.Delete(ctx, o.ID))
	_, err := repo.FindByID(ctx, o.ID)
	require.ErrorIs(t, err, order.ErrNotFound)

	require.ErrorIs(t, repo.Delete(ctx, o.ID), order.ErrNotFound)
}
