package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"freight-pooling/internal/core/domain"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRepo_Append(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewEventRepo(mock)
	ev := &domain.PoolEvent{
		ID:        uuid.New(),
		PoolID:    uuid.New(),
		Type:      domain.EventFill80,
		Payload:   json.RawMessage(`{"fill":"0.8"}`),
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO pool_events").
		WithArgs(ev.ID, ev.PoolID, ev.Type, ev.Payload, ev.CreatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	tx, err := mock.Begin(context.Background())
	require.NoError(t, err)

	assert.NoError(t, repo.Append(context.Background(), tx, ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventRepo_ListByPool(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	repo := NewEventRepo(mock)
	poolID := uuid.New()
	now := time.Now().UTC().Truncate(time.Microsecond)

	rows := pgxmock.NewRows([]string{"id", "pool_id", "type", "payload", "created_at"}).
		AddRow(uuid.New(), poolID, domain.EventItemPooled, json.RawMessage(`{}`), now).
		AddRow(uuid.New(), poolID, domain.EventFill80, json.RawMessage(`{}`), now)

	mock.ExpectQuery("SELECT .+ FROM pool_events\\s+WHERE pool_id = \\$1 ORDER BY seq ASC$").
		WithArgs(poolID).
		WillReturnRows(rows)

	events, err := repo.ListByPool(context.Background(), poolID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventItemPooled, events[0].Type)
	assert.Equal(t, domain.EventFill80, events[1].Type)
	assert.NoError(t, mock.ExpectationsWereMet())
}
