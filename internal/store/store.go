package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/quillsec/quill/internal/cryptobox"
	"github.com/quillsec/quill/internal/models"
)

// Store is the Postgres persistence layer for the whole scan aggregate
// tree. Columns flagged as sensitive are encrypted before they hit the
// database and decrypted on load; nothing outside this package sees
// ciphertext.
type Store struct {
	db     *sqlx.DB
	cipher *cryptobox.Cipher
}

type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	Cipher       *cryptobox.Cipher
}

func New(cfg Config) (*Store, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{db: db, cipher: cfg.Cipher}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	openaiKey, err := s.cipher.Encrypt(user.OpenAIKey)
	if err != nil {
		return fmt.Errorf("encrypting openai key: %w", err)
	}
	anthropicKey, err := s.cipher.Encrypt(user.AnthropicKey)
	if err != nil {
		return fmt.Errorf("encrypting anthropic key: %w", err)
	}
	cohereKey, err := s.cipher.Encrypt(user.CohereKey)
	if err != nil {
		return fmt.Errorf("encrypting cohere key: %w", err)
	}

	query := `
		INSERT INTO users (id, username, openai_key, anthropic_key, cohere_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.ExecContext(ctx, query,
		user.ID, user.Username, openaiKey, anthropicKey, cohereKey, user.CreatedAt, user.UpdatedAt,
	)
	return err
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	query := `SELECT * FROM users WHERE id = $1`
	err := s.db.GetContext(ctx, &user, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if user.OpenAIKey, err = s.cipher.Decrypt(user.OpenAIKey); err != nil {
		return nil, fmt.Errorf("decrypting openai key: %w", err)
	}
	if user.AnthropicKey, err = s.cipher.Decrypt(user.AnthropicKey); err != nil {
		return nil, fmt.Errorf("decrypting anthropic key: %w", err)
	}
	if user.CohereKey, err = s.cipher.Decrypt(user.CohereKey); err != nil {
		return nil, fmt.Errorf("decrypting cohere key: %w", err)
	}
	return &user, nil
}

func (s *Store) UpdateUserKeys(ctx context.Context, user *models.User) error {
	openaiKey, err := s.cipher.Encrypt(user.OpenAIKey)
	if err != nil {
		return fmt.Errorf("encrypting openai key: %w", err)
	}
	anthropicKey, err := s.cipher.Encrypt(user.AnthropicKey)
	if err != nil {
		return fmt.Errorf("encrypting anthropic key: %w", err)
	}
	cohereKey, err := s.cipher.Encrypt(user.CohereKey)
	if err != nil {
		return fmt.Errorf("encrypting cohere key: %w", err)
	}

	query := `UPDATE users SET openai_key = $1, anthropic_key = $2, cohere_key = $3, updated_at = $4 WHERE id = $5`
	_, err = s.db.ExecContext(ctx, query, openaiKey, anthropicKey, cohereKey, time.Now(), user.ID)
	return err
}

func (s *Store) CreateSeverity(ctx context.Context, severity *models.Severity) error {
	if severity.ID == uuid.Nil {
		severity.ID = uuid.New()
	}
	query := `
		INSERT INTO severities (id, name, value, color, archived)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query,
		severity.ID, severity.Name, severity.Value, severity.Color, severity.Archived,
	)
	return err
}

func (s *Store) GetSeverity(ctx context.Context, id uuid.UUID) (*models.Severity, error) {
	var severity models.Severity
	query := `SELECT * FROM severities WHERE id = $1`
	err := s.db.GetContext(ctx, &severity, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return &severity, err
}

func (s *Store) ListSeverities(ctx context.Context) ([]models.Severity, error) {
	var severities []models.Severity
	query := `SELECT * FROM severities ORDER BY value ASC`
	err := s.db.SelectContext(ctx, &severities, query)
	return severities, err
}

// SeedSeverities inserts the given severities only when the table is empty.
func (s *Store) SeedSeverities(ctx context.Context, defaults []models.Severity) error {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM severities`); err != nil {
		return fmt.Errorf("counting severities: %w", err)
	}
	if count > 0 {
		return nil
	}
	for i := range defaults {
		if err := s.CreateSeverity(ctx, &defaults[i]); err != nil {
			return fmt.Errorf("seeding severity %s: %w", defaults[i].Name, err)
		}
	}
	return nil
}

func (s *Store) CreateAsset(ctx context.Context, asset *models.Asset) error {
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	now := time.Now()
	asset.CreatedAt = now
	asset.UpdatedAt = now

	password, err := s.cipher.Encrypt(asset.Password)
	if err != nil {
		return fmt.Errorf("encrypting password: %w", err)
	}
	apiKey, err := s.cipher.Encrypt(asset.APIKey)
	if err != nil {
		return fmt.Errorf("encrypting api key: %w", err)
	}

	query := `
		INSERT INTO assets (
			id, user_id, kind, name,
			host, port, database_name, username, password,
			index_name, text_field, embedding_field, embedding_service, embedding_model,
			url, auth_method, api_key, headers, request_body, timeout_seconds,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22
		)
	`
	_, err = s.db.ExecContext(ctx, query,
		asset.ID, asset.UserID, asset.Kind, asset.Name,
		asset.Host, asset.Port, asset.DatabaseName, asset.Username, password,
		asset.IndexName, asset.TextField, asset.EmbeddingField, asset.EmbeddingService, asset.EmbeddingModel,
		asset.URL, asset.AuthMethod, apiKey, asset.Headers, asset.RequestBody, asset.TimeoutSeconds,
		asset.CreatedAt, asset.UpdatedAt,
	)
	return err
}

func (s *Store) GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	var asset models.Asset
	query := `SELECT * FROM assets WHERE id = $1`
	err := s.db.GetContext(ctx, &asset, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s.decryptAsset(&asset)
}

func (s *Store) ListAssetsByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.Asset, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`SELECT * FROM assets WHERE id IN (?)`, ids)
	if err != nil {
		return nil, fmt.Errorf("building asset query: %w", err)
	}
	query = s.db.Rebind(query)

	var assets []models.Asset
	if err := s.db.SelectContext(ctx, &assets, query, args...); err != nil {
		return nil, err
	}

	out := make([]*models.Asset, 0, len(assets))
	for i := range assets {
		decrypted, err := s.decryptAsset(&assets[i])
		if err != nil {
			return nil, err
		}
		out = append(out, decrypted)
	}
	return out, nil
}

func (s *Store) decryptAsset(asset *models.Asset) (*models.Asset, error) {
	var err error
	if asset.Password, err = s.cipher.Decrypt(asset.Password); err != nil {
		return nil, fmt.Errorf("decrypting asset password: %w", err)
	}
	if asset.APIKey, err = s.cipher.Decrypt(asset.APIKey); err != nil {
		return nil, fmt.Errorf("decrypting asset api key: %w", err)
	}
	return asset, nil
}
