package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dialect selects the SQL flavor of a SQLStore.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements Store over database/sql. Postgres gets weighted
// tsvector full-text search and pgvector ANN; SQLite falls back to LIKE
// matching and in-process cosine ranking. Property merging happens in Go
// inside a transaction so both dialects share one code path.
type SQLStore struct {
	db           *sql.DB
	dialect      Dialect
	embeddingDim int
}

// NewSQLStore wraps an open database handle. Callers own schema creation
// (see EnsurePostgresSchema / EnsureSQLiteSchema).
func NewSQLStore(db *sql.DB, dialect Dialect, embeddingDim int) *SQLStore {
	if embeddingDim <= 0 {
		embeddingDim = DefaultEmbeddingDim
	}
	return &SQLStore{db: db, dialect: dialect, embeddingDim: embeddingDim}
}

func (s *SQLStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for schema setup and tests.
func (s *SQLStore) DB() *sql.DB { return s.db }

const nodeColumns = "id, type, label, content, properties, embedding, created_at, updated_at"

func (s *SQLStore) AddNode(ctx context.Context, in NodeInput) (*Node, error) {
	if err := validateNodeInput(in, s.embeddingDim); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	existing, err := scanNode(tx.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, in.ID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("select node: %w", err)
	}

	now := time.Now().UTC()
	var out *Node
	if existing == nil {
		out = &Node{
			ID:         in.ID,
			Type:       in.Type,
			Label:      in.Label,
			Content:    in.Content,
			Properties: mergeProperties(nil, in.Properties),
			Embedding:  in.Embedding,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO nodes (`+nodeColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			out.ID, out.Type, out.Label, out.Content,
			propsArg(out.Properties), s.embeddingArg(out.Embedding), now, now)
		if err != nil {
			return nil, fmt.Errorf("insert node: %w", err)
		}
	} else {
		out = existing
		if in.Label != "" {
			out.Label = in.Label
		}
		if in.Content != "" {
			out.Content = in.Content
		}
		if len(in.Embedding) > 0 {
			out.Embedding = in.Embedding
		}
		out.Properties = mergeProperties(out.Properties, in.Properties)
		out.UpdatedAt = maxTime(now, out.UpdatedAt.Add(time.Microsecond))
		_, err = tx.ExecContext(ctx,
			`UPDATE nodes SET label = $2, content = $3, properties = $4, embedding = $5, updated_at = $6 WHERE id = $1`,
			out.ID, out.Label, out.Content, propsArg(out.Properties),
			s.embeddingArg(out.Embedding), out.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("update node: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetNode(ctx context.Context, id string) (*Node, error) {
	n, err := scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

func (s *SQLStore) UpdateNode(ctx context.Context, id string, patch NodePatch) (*Node, error) {
	if len(patch.Embedding) > 0 && len(patch.Embedding) != s.embeddingDim {
		return nil, &SchemaError{Reason: "embedding dimension mismatch"}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	n, err := scanNode(tx.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if patch.Label != nil {
		n.Label = *patch.Label
	}
	if patch.Content != nil {
		n.Content = *patch.Content
	}
	if len(patch.Embedding) > 0 {
		n.Embedding = patch.Embedding
	}
	n.Properties = mergeProperties(n.Properties, patch.Properties)
	n.UpdatedAt = maxTime(time.Now().UTC(), n.UpdatedAt.Add(time.Microsecond))

	_, err = tx.ExecContext(ctx,
		`UPDATE nodes SET label = $2, content = $3, properties = $4, embedding = $5, updated_at = $6 WHERE id = $1`,
		n.ID, n.Label, n.Content, propsArg(n.Properties), s.embeddingArg(n.Embedding), n.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update node: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

func (s *SQLStore) DeleteNode(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Foreign keys cascade on Postgres; SQLite needs the explicit sweep when
	// foreign_keys is off on the pooled connection.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM edges WHERE source_id = $1 OR target_id = $1`, id); err != nil {
		return fmt.Errorf("delete edges: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) AddEdge(ctx context.Context, in EdgeInput) (*Edge, error) {
	if err := validateEdgeInput(in); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT properties, created_at FROM edges WHERE source_id = $1 AND target_id = $2 AND type = $3`,
		in.SourceID, in.TargetID, in.Type)

	var propsRaw []byte
	var createdAt time.Time
	err = row.Scan(&propsRaw, &createdAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		now := time.Now().UTC()
		e := &Edge{
			SourceID:   in.SourceID,
			TargetID:   in.TargetID,
			Type:       in.Type,
			Properties: mergeProperties(nil, in.Properties),
			CreatedAt:  now,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO edges (id, source_id, target_id, type, properties, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
			uuid.Must(uuid.NewV7()).String(), e.SourceID, e.TargetID, e.Type, propsArg(e.Properties), now)
		if err != nil {
			return nil, fmt.Errorf("insert edge: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return e, nil

	case err != nil:
		return nil, fmt.Errorf("select edge: %w", err)

	default:
		// Second write of the same triple updates properties in place.
		e := &Edge{
			SourceID:   in.SourceID,
			TargetID:   in.TargetID,
			Type:       in.Type,
			Properties: mergeProperties(decodeProps(propsRaw), in.Properties),
			CreatedAt:  createdAt,
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE edges SET properties = $4 WHERE source_id = $1 AND target_id = $2 AND type = $3`,
			e.SourceID, e.TargetID, e.Type, propsArg(e.Properties))
		if err != nil {
			return nil, fmt.Errorf("update edge: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return e, nil
	}
}

func (s *SQLStore) GetEdges(ctx context.Context, q EdgeQuery) ([]Edge, error) {
	var conds []string
	var args []any
	add := func(col, val string) {
		if val != "" {
			args = append(args, val)
			conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
		}
	}
	add("source_id", q.SourceID)
	add("target_id", q.TargetID)
	add("type", q.Type)

	query := `SELECT source_id, target_id, type, properties, created_at FROM edges`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select edges: %w", err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		var propsRaw []byte
		if err := rows.Scan(&e.SourceID, &e.TargetID, &e.Type, &propsRaw, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Properties = decodeProps(propsRaw)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteEdge(ctx context.Context, sourceID, targetID, edgeType string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM edges WHERE source_id = $1 AND target_id = $2 AND type = $3`,
		sourceID, targetID, edgeType)
	return err
}

func (s *SQLStore) SearchNodes(ctx context.Context, q SearchQuery) ([]Node, int, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if s.dialect == DialectPostgres {
		return s.searchPostgres(ctx, q)
	}
	return s.searchSQLite(ctx, q)
}

func (s *SQLStore) searchPostgres(ctx context.Context, q SearchQuery) ([]Node, int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`, count(*) OVER () AS total
		FROM nodes
		WHERE ($1 = '' OR type = $1)
		  AND ($2 = '' OR ts @@ plainto_tsquery('simple', $2))
		ORDER BY CASE WHEN $2 = '' THEN 0 ELSE ts_rank(ts, plainto_tsquery('simple', $2)) END DESC,
		         updated_at DESC, id
		LIMIT $3 OFFSET $4`,
		q.Type, q.Text, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search nodes: %w", err)
	}
	defer rows.Close()
	return collectSearchRows(rows)
}

// searchSQLite approximates the weighted projection with LIKE matching:
// label hits rank above content, content above type and properties.
func (s *SQLStore) searchSQLite(ctx context.Context, q SearchQuery) ([]Node, int, error) {
	pattern := "%" + strings.ToLower(q.Text) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`, count(*) OVER () AS total
		FROM nodes
		WHERE ($1 = '' OR type = $1)
		  AND ($2 = '' OR lower(label) LIKE $3 OR lower(content) LIKE $3
		       OR lower(type) LIKE $3 OR lower(properties) LIKE $3)
		ORDER BY CASE
		    WHEN $2 = '' THEN 0
		    WHEN lower(label) LIKE $3 THEN 4
		    WHEN lower(content) LIKE $3 THEN 3
		    WHEN lower(type) LIKE $3 THEN 2
		    ELSE 1 END DESC,
		  updated_at DESC, id
		LIMIT $4 OFFSET $5`,
		q.Type, q.Text, pattern, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search nodes: %w", err)
	}
	defer rows.Close()
	return collectSearchRows(rows)
}

func (s *SQLStore) VectorSearch(ctx context.Context, embedding []float32, k int, typeFilter string) ([]ScoredNode, error) {
	if len(embedding) != s.embeddingDim {
		return nil, &SchemaError{Reason: "query embedding dimension mismatch"}
	}
	if k <= 0 {
		k = 10
	}
	if s.dialect == DialectPostgres {
		return s.vectorSearchPostgres(ctx, embedding, k, typeFilter)
	}
	return s.vectorSearchSQLite(ctx, embedding, k, typeFilter)
}

func (s *SQLStore) vectorSearchPostgres(ctx context.Context, embedding []float32, k int, typeFilter string) ([]ScoredNode, error) {
	vec := vectorLiteral(embedding)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`, 1 - (embedding <=> $1) AS score
		FROM nodes
		WHERE embedding IS NOT NULL AND ($2 = '' OR type = $2)
		ORDER BY embedding <=> $1
		LIMIT $3`,
		vec, typeFilter, k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []ScoredNode
	for rows.Next() {
		var sn ScoredNode
		var propsRaw, embRaw []byte
		if err := rows.Scan(&sn.Node.ID, &sn.Node.Type, &sn.Node.Label, &sn.Node.Content,
			&propsRaw, &embRaw, &sn.Node.CreatedAt, &sn.Node.UpdatedAt, &sn.Score); err != nil {
			return nil, err
		}
		sn.Node.Properties = decodeProps(propsRaw)
		sn.Node.Embedding = decodeEmbedding(embRaw)
		out = append(out, sn)
	}
	return out, rows.Err()
}

func (s *SQLStore) vectorSearchSQLite(ctx context.Context, embedding []float32, k int, typeFilter string) ([]ScoredNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM nodes
		WHERE embedding IS NOT NULL AND embedding != '' AND ($1 = '' OR type = $1)`,
		typeFilter)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []ScoredNode
	for rows.Next() {
		n, err := scanNodeRows(rows)
		if err != nil {
			return nil, err
		}
		if len(n.Embedding) == 0 {
			continue
		}
		out = append(out, ScoredNode{Node: *n, Score: cosine(embedding, n.Embedding)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *SQLStore) BulkAddNodes(ctx context.Context, nodes []NodeInput) (*BulkResult, error) {
	res := &BulkResult{}
	for i, in := range nodes {
		existed, err := s.nodeExists(ctx, in.ID)
		if err != nil {
			res.Failed = append(res.Failed, BulkError{Index: i, ID: in.ID, Err: err.Error()})
			continue
		}
		if _, err := s.AddNode(ctx, in); err != nil {
			res.Failed = append(res.Failed, BulkError{Index: i, ID: in.ID, Err: err.Error()})
			continue
		}
		if existed {
			res.Updated++
		} else {
			res.Added++
		}
	}
	return res, nil
}

func (s *SQLStore) BulkAddEdges(ctx context.Context, edges []EdgeInput) (*BulkResult, error) {
	res := &BulkResult{}
	for i, in := range edges {
		var existed bool
		err := s.db.QueryRowContext(ctx,
			`SELECT count(*) > 0 FROM edges WHERE source_id = $1 AND target_id = $2 AND type = $3`,
			in.SourceID, in.TargetID, in.Type).Scan(&existed)
		if err != nil {
			res.Failed = append(res.Failed, BulkError{Index: i, ID: in.SourceID, Err: err.Error()})
			continue
		}
		if _, err := s.AddEdge(ctx, in); err != nil {
			res.Failed = append(res.Failed, BulkError{Index: i, ID: in.SourceID, Err: err.Error()})
			continue
		}
		if existed {
			res.Updated++
		} else {
			res.Added++
		}
	}
	return res, nil
}

func (s *SQLStore) nodeExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT count(*) > 0 FROM nodes WHERE id = $1`, id).Scan(&exists)
	return exists, err
}

// --- row scanning and value codecs ---

type rowScanner interface{ Scan(dest ...any) error }

func scanNode(r rowScanner) (*Node, error) {
	var n Node
	var propsRaw, embRaw []byte
	if err := r.Scan(&n.ID, &n.Type, &n.Label, &n.Content, &propsRaw, &embRaw,
		&n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	n.Properties = decodeProps(propsRaw)
	n.Embedding = decodeEmbedding(embRaw)
	return &n, nil
}

func scanNodeRows(rows *sql.Rows) (*Node, error) { return scanNode(rows) }

func collectSearchRows(rows *sql.Rows) ([]Node, int, error) {
	var out []Node
	total := 0
	for rows.Next() {
		var n Node
		var propsRaw, embRaw []byte
		if err := rows.Scan(&n.ID, &n.Type, &n.Label, &n.Content, &propsRaw, &embRaw,
			&n.CreatedAt, &n.UpdatedAt, &total); err != nil {
			return nil, 0, err
		}
		n.Properties = decodeProps(propsRaw)
		n.Embedding = decodeEmbedding(embRaw)
		out = append(out, n)
	}
	return out, total, rows.Err()
}

func propsArg(props map[string]any) []byte {
	if len(props) == 0 {
		return []byte("{}")
	}
	data, err := json.Marshal(props)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func decodeProps(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var props map[string]any
	if err := json.Unmarshal(raw, &props); err != nil || len(props) == 0 {
		return nil
	}
	return props
}

// embeddingArg serializes an embedding for storage: pgvector wire literal on
// Postgres, JSON array text on SQLite. Nil maps to SQL NULL.
func (s *SQLStore) embeddingArg(embedding []float32) any {
	if len(embedding) == 0 {
		return nil
	}
	if s.dialect == DialectPostgres {
		return vectorLiteral(embedding)
	}
	data, _ := json.Marshal(embedding)
	return string(data)
}

func vectorLiteral(embedding []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

// decodeEmbedding accepts both the pgvector "[...]" literal and JSON arrays.
func decodeEmbedding(raw []byte) []float32 {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return nil
	}
	text = strings.TrimPrefix(text, "[")
	text = strings.TrimSuffix(text, "]")
	if text == "" {
		return nil
	}
	parts := strings.Split(text, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil
		}
		out = append(out, float32(f))
	}
	return out
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
