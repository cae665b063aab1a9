package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quillsec/quill/internal/models"
)

// nilUserKey is the sentinel used so that NULL owners (template policies)
// still participate in the unique key for the shared cache partition.
const nilUserKey = "00000000-0000-0000-0000-000000000000"

// HashText returns the cache key digest for an embedding input. The text
// column itself is encrypted and therefore non-deterministic; the digest of
// the plaintext carries the uniqueness constraint.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// UpsertEmbedding inserts the embedding or, when a concurrent caller won the
// race for the same (user, service, model, text) key, returns the winner's
// row. The no-op DO UPDATE makes RETURNING yield the existing row so both
// sides of the race observe identical vectors.
func (s *Store) UpsertEmbedding(ctx context.Context, embedding *models.Embedding) (*models.Embedding, error) {
	if embedding.ID == uuid.Nil {
		embedding.ID = uuid.New()
	}
	embedding.CreatedAt = time.Now()
	embedding.TextHash = HashText(embedding.Text)

	text, err := s.cipher.Encrypt(embedding.Text)
	if err != nil {
		return nil, fmt.Errorf("encrypting embedding text: %w", err)
	}

	// The arbiter expression must match the unique index verbatim, so the
	// sentinel is spelled out rather than bound as a parameter: Postgres
	// cannot infer an index through a Param node.
	query := `
		INSERT INTO embeddings (id, user_id, service, model, text, text_hash, vectors, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (COALESCE(user_id, '` + nilUserKey + `'::uuid), service, model, text_hash)
		DO UPDATE SET text_hash = EXCLUDED.text_hash
		RETURNING *
	`
	var row models.Embedding
	err = s.db.GetContext(ctx, &row, query,
		embedding.ID, embedding.UserID, embedding.Service, embedding.Model,
		text, embedding.TextHash, embedding.Vectors, embedding.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting embedding: %w", err)
	}

	if row.Text, err = s.cipher.Decrypt(row.Text); err != nil {
		return nil, fmt.Errorf("decrypting embedding text: %w", err)
	}
	return &row, nil
}

// GetEmbedding looks up a cached vector; (nil, nil) on a cache miss.
func (s *Store) GetEmbedding(ctx context.Context, userID *uuid.UUID, service, model, text string) (*models.Embedding, error) {
	query := `
		SELECT * FROM embeddings
		WHERE COALESCE(user_id, $1::uuid) = COALESCE($2, $1::uuid)
		  AND service = $3 AND model = $4 AND text_hash = $5
	`
	var row models.Embedding
	err := s.db.GetContext(ctx, &row, query, nilUserKey, userID, service, model, HashText(text))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if row.Text, err = s.cipher.Decrypt(row.Text); err != nil {
		return nil, fmt.Errorf("decrypting embedding text: %w", err)
	}
	return &row, nil
}

func (s *Store) CountEmbeddings(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM embeddings`)
	return count, err
}
