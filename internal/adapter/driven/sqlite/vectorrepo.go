package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/ericfisherdev/dupescan/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.VectorStore = (*VectorRepo)(nil)

// VectorRepo is the SQLite implementation of the VectorStore port. Vectors
// are normalized at upsert and stored as little-endian float32 blobs; search
// is an exact cosine scan over the collection. Candidate-search cardinality
// is bounded by the open PRs of a single repo, which keeps the scan cheap.
type VectorRepo struct {
	db *DB
}

// NewVectorRepo creates a new VectorRepo backed by the given DB.
func NewVectorRepo(db *DB) *VectorRepo {
	return &VectorRepo{db: db}
}

// EnsureCollection creates the collection or verifies its dimension.
func (r *VectorRepo) EnsureCollection(ctx context.Context, name string, dim int) error {
	var existing int
	err := r.db.Reader.QueryRowContext(ctx, `SELECT dim FROM vector_collections WHERE name = ?`, name).Scan(&existing)
	if err == nil {
		if existing != dim {
			return fmt.Errorf("collection %q has dimension %d, want %d", name, existing, dim)
		}
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check collection %q: %w", name, err)
	}

	if _, err := r.db.Writer.ExecContext(ctx,
		`INSERT INTO vector_collections (name, dim) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`, name, dim,
	); err != nil {
		return fmt.Errorf("create collection %q: %w", name, err)
	}

	return nil
}

// Upsert inserts or replaces points in a single transaction.
func (r *VectorRepo) Upsert(ctx context.Context, name string, points []driven.VectorPoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin vector upsert tx: %w", err)
	}
	defer tx.Rollback()

	const query = `
		INSERT INTO vectors (collection, id, vector, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			vector = excluded.vector,
			payload = excluded.payload
	`

	for _, p := range points {
		payloadJSON, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("marshal payload for point %s: %w", p.ID, err)
		}

		if _, err := tx.ExecContext(ctx, query,
			name, p.ID, encodeVector(normalize(p.Vector)), string(payloadJSON),
		); err != nil {
			return fmt.Errorf("upsert point %s: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit vector upsert: %w", err)
	}

	return nil
}

// Search returns the points most similar to the query vector, best first,
// restricted to points whose payload matches every filter entry.
func (r *VectorRepo) Search(ctx context.Context, name string, vector []float32, opts driven.SearchOptions) ([]driven.ScoredPoint, error) {
	rows, err := r.db.Reader.QueryContext(ctx, `SELECT id, vector, payload FROM vectors WHERE collection = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("query collection %q: %w", name, err)
	}
	defer rows.Close()

	query := normalize(vector)
	var hits []driven.ScoredPoint

	for rows.Next() {
		var id, payloadJSON string
		var blob []byte
		if err := rows.Scan(&id, &blob, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}

		payload := map[string]string{}
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload for point %s: %w", id, err)
		}
		if !matchesFilter(payload, opts.Filter) {
			continue
		}

		stored, err := decodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("decode vector for point %s: %w", id, err)
		}

		hits = append(hits, driven.ScoredPoint{
			ID:      id,
			Score:   dot(query, stored),
			Payload: payload,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate points: %w", err)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}

	return hits, nil
}

// GetVector returns the stored (normalized) vector, or nil, nil when absent.
func (r *VectorRepo) GetVector(ctx context.Context, name, id string) ([]float32, error) {
	var blob []byte
	err := r.db.Reader.QueryRowContext(ctx,
		`SELECT vector FROM vectors WHERE collection = ? AND id = ?`, name, id,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get vector %s/%s: %w", name, id, err)
	}

	vec, err := decodeVector(blob)
	if err != nil {
		return nil, fmt.Errorf("decode vector %s/%s: %w", name, id, err)
	}

	return vec, nil
}

// DeleteByFilter removes every point whose payload matches all filter
// entries.
func (r *VectorRepo) DeleteByFilter(ctx context.Context, name string, filter map[string]string) error {
	rows, err := r.db.Reader.QueryContext(ctx, `SELECT id, payload FROM vectors WHERE collection = ?`, name)
	if err != nil {
		return fmt.Errorf("query collection %q: %w", name, err)
	}

	var doomed []string
	for rows.Next() {
		var id, payloadJSON string
		if err := rows.Scan(&id, &payloadJSON); err != nil {
			rows.Close()
			return fmt.Errorf("scan point: %w", err)
		}

		payload := map[string]string{}
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			rows.Close()
			return fmt.Errorf("unmarshal payload for point %s: %w", id, err)
		}
		if matchesFilter(payload, filter) {
			doomed = append(doomed, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate points: %w", err)
	}
	rows.Close()

	for _, id := range doomed {
		if _, err := r.db.Writer.ExecContext(ctx,
			`DELETE FROM vectors WHERE collection = ? AND id = ?`, name, id,
		); err != nil {
			return fmt.Errorf("delete point %s: %w", id, err)
		}
	}

	return nil
}

func matchesFilter(payload, filter map[string]string) bool {
	for k, v := range filter {
		if payload[k] != v {
			return false
		}
	}
	return true
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

func normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
