package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baderhq/wagateway/internal/campaign_service/domain"
)

type PgContactRepository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewPgContactRepository(db *pgxpool.Pool, logger *slog.Logger) *PgContactRepository {
	return &PgContactRepository{db: db, logger: logger}
}

func (r *PgContactRepository) Create(ctx context.Context, ct *domain.Contact) error {
	query := `
		INSERT INTO contacts (id, phone, first_name, last_name, email, tags, custom_fields, subscribed, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	customFieldsJSON, err := json.Marshal(ct.CustomFields)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marshaling contact custom_fields", "error", err, "contact_id", ct.ID)
		return err
	}

	_, err = r.db.Exec(ctx, query,
		ct.ID, ct.Phone, ct.FirstName, ct.LastName, ct.Email,
		ct.Tags, customFieldsJSON, ct.Subscribed, ct.CreatedAt, ct.UpdatedAt,
	)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error creating contact", "error", err, "contact_id", ct.ID)
		return err
	}
	return nil
}

func (r *PgContactRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	query := `
		SELECT id, phone, first_name, last_name, email, tags, custom_fields, subscribed, created_at, updated_at
		FROM contacts
		WHERE id = $1
	`
	ct, err := scanContact(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrContactNotFound
		}
		r.logger.ErrorContext(ctx, "Error getting contact by ID", "error", err, "contact_id", id)
		return nil, err
	}
	return ct, nil
}

func (r *PgContactRepository) FindByFilter(ctx context.Context, filter *domain.ContactFilter) ([]*domain.Contact, error) {
	query := `
		SELECT id, phone, first_name, last_name, email, tags, custom_fields, subscribed, created_at, updated_at
		FROM contacts
		WHERE ($1::text[] IS NULL OR tags && $1)
		  AND ($2::boolean IS NULL OR subscribed = $2)
		ORDER BY created_at ASC
	`
	var tags []string
	var subscribed *bool
	if filter != nil {
		if len(filter.Tags) > 0 {
			tags = filter.Tags
		}
		subscribed = filter.Subscribed
	}

	rows, err := r.db.Query(ctx, query, tags, subscribed)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error finding contacts by filter", "error", err)
		return nil, err
	}
	defer rows.Close()

	var contacts []*domain.Contact
	for rows.Next() {
		ct, err := scanContact(rows)
		if err != nil {
			r.logger.ErrorContext(ctx, "Error scanning contact row", "error", err)
			return nil, err
		}
		contacts = append(contacts, ct)
	}
	if err := rows.Err(); err != nil {
		r.logger.ErrorContext(ctx, "Error iterating contact rows", "error", err)
		return nil, err
	}
	return contacts, nil
}

func scanContact(row pgx.Row) (*domain.Contact, error) {
	ct := &domain.Contact{}
	var customFieldsJSON []byte
	err := row.Scan(
		&ct.ID, &ct.Phone, &ct.FirstName, &ct.LastName, &ct.Email,
		&ct.Tags, &customFieldsJSON, &ct.Subscribed, &ct.CreatedAt, &ct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(customFieldsJSON) > 0 {
		if err := json.Unmarshal(customFieldsJSON, &ct.CustomFields); err != nil {
			return nil, err
		}
	}
	return ct, nil
}
