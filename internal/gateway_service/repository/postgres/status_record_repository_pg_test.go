package postgres

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baderhq/wagateway/internal/core_domain"
	"github.com/baderhq/wagateway/internal/gateway_service/domain"
)

var statusRecordColumns = []string{
	"id", "provider_message_id", "conversation_id", "recipient", "status",
	"sent_at", "delivered_at", "read_at", "failed_at", "error", "created_at", "updated_at",
}

func TestPgStatusRecordRepository_Create(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := core_domain.NewDeliveryStatusRecord("wamid.abc", uuid.New(), "15550001111", time.Now())

	t.Run("Success", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgStatusRecordRepository(mockPool, logger)

		mockPool.ExpectExec(`INSERT INTO delivery_status_records`).
			WithArgs(rec.ID, rec.ProviderMessageID, rec.ConversationID, rec.Recipient, rec.Status,
				rec.SentAt, rec.DeliveredAt, rec.ReadAt, rec.FailedAt, []byte(nil),
				rec.CreatedAt, rec.UpdatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, repo.Create(context.Background(), rec))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("FailureRecordSerializesError", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgStatusRecordRepository(mockPool, logger)

		failed := core_domain.NewDeliveryStatusRecord("wamid.fail", uuid.New(), "15550002222", time.Now())
		failed.Error = &core_domain.StatusError{Code: "131047", Message: "Re-engagement message"}
		errJSON, err := json.Marshal(failed.Error)
		require.NoError(t, err)

		mockPool.ExpectExec(`INSERT INTO delivery_status_records`).
			WithArgs(failed.ID, failed.ProviderMessageID, failed.ConversationID, failed.Recipient, failed.Status,
				failed.SentAt, failed.DeliveredAt, failed.ReadAt, failed.FailedAt, errJSON,
				failed.CreatedAt, failed.UpdatedAt).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		require.NoError(t, repo.Create(context.Background(), failed))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPgStatusRecordRepository_GetByProviderMessageID(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("Found", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgStatusRecordRepository(mockPool, logger)

		id := uuid.New()
		convID := uuid.New()
		sentAt := time.Now().UTC().Add(-time.Minute)
		rows := mockPool.NewRows(statusRecordColumns).AddRow(
			id, "wamid.abc", convID, "15550001111", core_domain.StatusSent,
			&sentAt, (*time.Time)(nil), (*time.Time)(nil), (*time.Time)(nil), []byte(nil),
			sentAt, sentAt,
		)
		mockPool.ExpectQuery(`SELECT (.+) FROM delivery_status_records WHERE provider_message_id = \$1`).
			WithArgs("wamid.abc").
			WillReturnRows(rows)

		rec, err := repo.GetByProviderMessageID(context.Background(), "wamid.abc")
		require.NoError(t, err)
		assert.Equal(t, id, rec.ID)
		assert.Equal(t, core_domain.StatusSent, rec.Status)
		assert.Nil(t, rec.Error)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("FoundWithStoredError", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgStatusRecordRepository(mockPool, logger)

		failedAt := time.Now().UTC()
		errJSON, err := json.Marshal(&core_domain.StatusError{Code: "131047", Message: "Re-engagement message"})
		require.NoError(t, err)
		rows := mockPool.NewRows(statusRecordColumns).AddRow(
			uuid.New(), "wamid.fail", uuid.New(), "15550002222", core_domain.StatusFailed,
			&failedAt, (*time.Time)(nil), (*time.Time)(nil), &failedAt, errJSON,
			failedAt, failedAt,
		)
		mockPool.ExpectQuery(`SELECT (.+) FROM delivery_status_records WHERE provider_message_id = \$1`).
			WithArgs("wamid.fail").
			WillReturnRows(rows)

		rec, err := repo.GetByProviderMessageID(context.Background(), "wamid.fail")
		require.NoError(t, err)
		require.NotNil(t, rec.Error)
		assert.Equal(t, "131047", rec.Error.Code)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgStatusRecordRepository(mockPool, logger)

		mockPool.ExpectQuery(`SELECT (.+) FROM delivery_status_records WHERE provider_message_id = \$1`).
			WithArgs("wamid.missing").
			WillReturnError(pgx.ErrNoRows)

		_, err = repo.GetByProviderMessageID(context.Background(), "wamid.missing")
		assert.ErrorIs(t, err, domain.ErrStatusRecordNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestPgStatusRecordRepository_Update(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := core_domain.NewDeliveryStatusRecord("wamid.abc", uuid.New(), "15550001111", time.Now())

	t.Run("Success", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgStatusRecordRepository(mockPool, logger)

		mockPool.ExpectExec(`UPDATE delivery_status_records`).
			WithArgs(rec.Status, rec.SentAt, rec.DeliveredAt, rec.ReadAt, rec.FailedAt,
				[]byte(nil), rec.UpdatedAt, rec.ID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		require.NoError(t, repo.Update(context.Background(), rec))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("RowGone", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()
		repo := NewPgStatusRecordRepository(mockPool, logger)

		mockPool.ExpectExec(`UPDATE delivery_status_records`).
			WithArgs(rec.Status, rec.SentAt, rec.DeliveredAt, rec.ReadAt, rec.FailedAt,
				[]byte(nil), rec.UpdatedAt, rec.ID).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err = repo.Update(context.Background(), rec)
		assert.ErrorIs(t, err, domain.ErrStatusRecordNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
