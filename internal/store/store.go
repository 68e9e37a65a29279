// Package store is the Postgres persistence layer: users, documents, chunks
// and query logs, plus the full-text side of hybrid retrieval.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"
)

// Store wraps the Postgres handle. Methods are safe for concurrent use.
type Store struct {
	DB *sql.DB
}

// Document ingestion statuses.
const (
	DocumentStatusPending    = "pending"
	DocumentStatusProcessing = "processing"
	DocumentStatusCompleted  = "completed"
	DocumentStatusFailed     = "failed"
)

// ErrEmailTaken is returned when signup hits the unique email constraint.
var ErrEmailTaken = errors.New("email already registered")

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type User struct {
	ID           int64
	Email        string
	PasswordHash string
	IsAdmin      bool
	CreatedAt    time.Time
}

type Document struct {
	ID          int64
	OwnerID     int64
	Filename    string
	ContentType string
	Status      string
	Error       string
	ChunkCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Chunk struct {
	ID         int64
	DocumentID int64
	Index      int
	Content    string
	TokenCount int
	PageNumber *int
	Embedding  []float32
	CreatedAt  time.Time
}

// ChunkDetail is a chunk joined with its document metadata, the shape search
// results are enriched into.
type ChunkDetail struct {
	ID         int64
	DocumentID int64
	Index      int
	Content    string
	PageNumber *int
	Filename   string
	OwnerID    int64
}

// LexicalHit is one full-text match with its ts_rank score.
type LexicalHit struct {
	ChunkID int64
	Rank    float64
}

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// User operations

func (s *Store) CreateUser(ctx context.Context, email, hash string, isAdmin bool) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `INSERT INTO users (email, password_hash, is_admin) VALUES ($1,$2,$3) RETURNING id`, email, hash, isAdmin).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return 0, ErrEmailTaken
		}
		return 0, err
	}
	return id, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var u User
	err := s.DB.QueryRowContext(ctx, `SELECT id, email, password_hash, is_admin, created_at FROM users WHERE email=$1`, email).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *Store) GetUserByID(ctx context.Context, id int64) (User, error) {
	var u User
	err := s.DB.QueryRowContext(ctx, `SELECT id, email, password_hash, is_admin, created_at FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

// Document operations

func (s *Store) CreateDocument(ctx context.Context, ownerID int64, filename, contentType string) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO documents (owner_id, filename, content_type, status) VALUES ($1,$2,$3,$4) RETURNING id`,
		ownerID, filename, contentType, DocumentStatusPending).Scan(&id)
	return id, err
}

func (s *Store) SetDocumentStatus(ctx context.Context, id int64, status, errMsg string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE documents SET status=$2, error=$3, updated_at=NOW() WHERE id=$1`,
		id, status, errMsg)
	return err
}

func (s *Store) SetDocumentChunkCount(ctx context.Context, id int64, n int) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE documents SET chunk_count=$2, updated_at=NOW() WHERE id=$1`, id, n)
	return err
}

func (s *Store) GetDocument(ctx context.Context, id int64) (Document, error) {
	var d Document
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, owner_id, filename, content_type, status, error, chunk_count, created_at, updated_at FROM documents WHERE id=$1`, id).
		Scan(&d.ID, &d.OwnerID, &d.Filename, &d.ContentType, &d.Status, &d.Error, &d.ChunkCount, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	return d, err
}

// ListDocuments returns the owner's documents, newest first. An admin caller
// passes allOwners=true to see everyone's.
func (s *Store) ListDocuments(ctx context.Context, ownerID int64, allOwners bool) ([]Document, error) {
	q := `SELECT id, owner_id, filename, content_type, status, error, chunk_count, created_at, updated_at FROM documents WHERE owner_id=$1 ORDER BY created_at DESC`
	args := []interface{}{ownerID}
	if allOwners {
		q = `SELECT id, owner_id, filename, content_type, status, error, chunk_count, created_at, updated_at FROM documents ORDER BY created_at DESC`
		args = nil
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Filename, &d.ContentType, &d.Status, &d.Error, &d.ChunkCount, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDocument removes the document row; chunks go with it via the foreign
// key cascade.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM documents WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// Chunk operations

// InsertChunks persists a document's chunks with their embeddings and returns
// the assigned ids in input order. The batch is one transaction: either every
// chunk of the document lands or none do.
func (s *Store) InsertChunks(ctx context.Context, documentID int64, chunks []Chunk) ([]int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	ids := make([]int64, 0, len(chunks))
	for _, c := range chunks {
		var id int64
		err := tx.QueryRowContext(ctx,
			`INSERT INTO chunks (document_id, chunk_index, content, token_count, page_number, embedding) VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
			documentID, c.Index, c.Content, c.TokenCount, c.PageNumber, pq.Array(floats64(c.Embedding))).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// ChunksByIDs fetches chunk details joined with document metadata for result
// enrichment. Ids that no longer exist are absent from the result map.
func (s *Store) ChunksByIDs(ctx context.Context, ids []int64) (map[int64]ChunkDetail, error) {
	out := make(map[int64]ChunkDetail, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT c.id, c.document_id, c.chunk_index, c.content, c.page_number, d.filename, d.owner_id
		 FROM chunks c JOIN documents d ON d.id = c.document_id
		 WHERE c.id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var cd ChunkDetail
		if err := rows.Scan(&cd.ID, &cd.DocumentID, &cd.Index, &cd.Content, &cd.PageNumber, &cd.Filename, &cd.OwnerID); err != nil {
			return nil, err
		}
		out[cd.ID] = cd
	}
	return out, rows.Err()
}

// SearchChunksLexical runs Postgres full-text search over chunk content,
// ranked by ts_rank. Visibility is enforced in the query itself: non-admin
// callers only match chunks of documents they own.
func (s *Store) SearchChunksLexical(ctx context.Context, query string, limit int, ownerID int64, admin bool) ([]LexicalHit, error) {
	q := `SELECT c.id, ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', $1)) AS rank
	      FROM chunks c JOIN documents d ON d.id = c.document_id
	      WHERE to_tsvector('english', c.content) @@ plainto_tsquery('english', $1) AND d.owner_id = $3
	      ORDER BY rank DESC LIMIT $2`
	args := []interface{}{query, limit, ownerID}
	if admin {
		q = `SELECT c.id, ts_rank(to_tsvector('english', c.content), plainto_tsquery('english', $1)) AS rank
		     FROM chunks c
		     WHERE to_tsvector('english', c.content) @@ plainto_tsquery('english', $1)
		     ORDER BY rank DESC LIMIT $2`
		args = []interface{}{query, limit}
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LexicalHit
	for rows.Next() {
		var h LexicalHit
		if err := rows.Scan(&h.ChunkID, &h.Rank); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SurvivingEmbeddings returns every stored chunk embedding, used to rebuild
// the vector index after deletions.
func (s *Store) SurvivingEmbeddings(ctx context.Context) ([]int64, [][]float32, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, embedding FROM chunks WHERE embedding IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	var (
		ids     []int64
		vectors [][]float32
	)
	for rows.Next() {
		var (
			id  int64
			vec []float64
		)
		if err := rows.Scan(&id, pq.Array(&vec)); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		vectors = append(vectors, floats32(vec))
	}
	return ids, vectors, rows.Err()
}

// Query log operations

func (s *Store) LogQuery(ctx context.Context, userID int64, query, mode string, resultCount int, latency time.Duration, cacheHit bool) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO query_logs (user_id, query, search_type, result_count, latency_ms, cache_hit) VALUES ($1,$2,$3,$4,$5,$6)`,
		userID, query, mode, resultCount, latency.Milliseconds(), cacheHit)
	return err
}

func floats64(v []float32) []float64 {
	if v == nil {
		return nil
	}
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func floats32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
