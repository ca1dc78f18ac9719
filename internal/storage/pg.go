package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/eventrail/libs/db"
)

var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PGContainer stores documents in one Postgres table per container. The table
// schema lives in migrations/; rows are keyed by (partition_key, id), a
// partial unique index on (subject, sequence) backs sequence assignment, and
// feed_seq is an identity column providing the commit-ordered change feed.
// Every write draws a fresh feed position, so replaced and upserted rows
// re-enter the feed past any relay checkpoint.
type PGContainer struct {
	pool   *db.Pool
	table  string
	logger *slog.Logger
}

func NewPGContainer(pool *db.Pool, table string, logger *slog.Logger) (*PGContainer, error) {
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("storage: invalid container table name %q", table)
	}
	return &PGContainer{pool: pool, table: table, logger: logger}, nil
}

const docColumns = `id, partition_key, kind, type, subject, sequence, time, data,
	requested_by, correlation_id, traceparent, tracestate, etag, deleted,
	created_on, created_by, updated_on, updated_by, feed_seq`

func (c *PGContainer) Get(ctx context.Context, partitionKey, id string) (*Document, error) {
	row := c.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE partition_key = $1 AND id = $2
	`, docColumns, c.table), partitionKey, id)
	doc, err := scanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

func (c *PGContainer) Stream(ctx context.Context, subject string) ([]*Document, error) {
	rows, err := c.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE subject = $1 AND kind = ANY($2)
		ORDER BY sequence
	`, docColumns, c.table), subject, []string{string(KindEvent), string(KindOutbox)})
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (c *PGContainer) NextSequence(ctx context.Context, subject string) (int64, error) {
	var last int64
	err := c.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT sequence FROM %s
		WHERE subject = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, c.table), subject).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

func (c *PGContainer) Feed(ctx context.Context, afterSeq int64, limit int) ([]*Document, error) {
	rows, err := c.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE feed_seq > $1
		ORDER BY feed_seq
		LIMIT $2
	`, docColumns, c.table), afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDocuments(rows)
}

func (c *PGContainer) Upsert(ctx context.Context, doc *Document) (*Document, error) {
	out := doc.Clone()
	out.ETag = uuid.NewString()
	err := c.pool.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,DEFAULT)
		ON CONFLICT (partition_key, id) DO UPDATE SET
			kind = EXCLUDED.kind, type = EXCLUDED.type, subject = EXCLUDED.subject,
			sequence = EXCLUDED.sequence, time = EXCLUDED.time, data = EXCLUDED.data,
			requested_by = EXCLUDED.requested_by, correlation_id = EXCLUDED.correlation_id,
			traceparent = EXCLUDED.traceparent, tracestate = EXCLUDED.tracestate,
			etag = EXCLUDED.etag, deleted = EXCLUDED.deleted,
			created_on = EXCLUDED.created_on, created_by = EXCLUDED.created_by,
			updated_on = EXCLUDED.updated_on, updated_by = EXCLUDED.updated_by,
			feed_seq = DEFAULT
		RETURNING feed_seq
	`, c.table, docColumns), insertArgs(out)...).Scan(&out.FeedSeq)
	if err != nil {
		return nil, classifyPgErr(err)
	}
	return out, nil
}

func (c *PGContainer) Remove(ctx context.Context, partitionKey, id string) error {
	_, err := c.pool.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE partition_key = $1 AND id = $2
	`, c.table), partitionKey, id)
	return err
}

func (c *PGContainer) NewBatch(partitionKey string) Batch {
	return &pgBatch{container: c, partitionKey: partitionKey}
}

type batchOp struct {
	verb string // create | replace | upsert | delete
	doc  *Document
	id   string
	etag string
}

type pgBatch struct {
	container    *PGContainer
	partitionKey string
	ops          []batchOp
}

func (b *pgBatch) Create(doc *Document) {
	b.ops = append(b.ops, batchOp{verb: "create", doc: doc})
}

func (b *pgBatch) Replace(doc *Document, etag string) {
	b.ops = append(b.ops, batchOp{verb: "replace", doc: doc, etag: etag})
}

func (b *pgBatch) Upsert(doc *Document, etag string) {
	b.ops = append(b.ops, batchOp{verb: "upsert", doc: doc, etag: etag})
}

func (b *pgBatch) Delete(id string, etag string) {
	b.ops = append(b.ops, batchOp{verb: "delete", id: id, etag: etag})
}

func (b *pgBatch) Len() int { return len(b.ops) }

// Execute runs every staged write in one transaction. Any precondition
// failure or constraint violation rolls the whole batch back.
func (b *pgBatch) Execute(ctx context.Context) ([]*Document, error) {
	tx, err := b.container.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	results := make([]*Document, len(b.ops))
	for i, op := range b.ops {
		out, err := b.execOp(ctx, tx, op)
		if err != nil {
			b.container.logger.Error("container batch failed",
				"table", b.container.table,
				"partition_key", b.partitionKey,
				"ids", b.ids(),
				"err", err,
			)
			return nil, err
		}
		results[i] = out
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}

func (b *pgBatch) execOp(ctx context.Context, tx pgx.Tx, op batchOp) (*Document, error) {
	table := b.container.table
	switch op.verb {
	case "create":
		out := op.doc.Clone()
		if out.PartitionKey == "" {
			out.PartitionKey = b.partitionKey
		}
		out.ETag = uuid.NewString()
		err := tx.QueryRow(ctx, fmt.Sprintf(`
			INSERT INTO %s (%s)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,DEFAULT)
			RETURNING feed_seq
		`, table, docColumns), insertArgs(out)...).Scan(&out.FeedSeq)
		if err != nil {
			return nil, classifyPgErr(err)
		}
		return out, nil

	case "replace":
		out := op.doc.Clone()
		if out.PartitionKey == "" {
			out.PartitionKey = b.partitionKey
		}
		out.ETag = uuid.NewString()
		err := tx.QueryRow(ctx, fmt.Sprintf(`
			UPDATE %s SET
				kind = $3, type = $4, subject = $5, sequence = $6, time = $7, data = $8,
				requested_by = $9, correlation_id = $10, traceparent = $11, tracestate = $12,
				etag = $13, deleted = $14,
				created_on = $15, created_by = $16, updated_on = $17, updated_by = $18,
				feed_seq = DEFAULT
			WHERE partition_key = $2 AND id = $1 AND etag = $19
			RETURNING feed_seq
		`, table), append(insertArgs(out), op.etag)...).Scan(&out.FeedSeq)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConcurrency
		}
		if err != nil {
			return nil, classifyPgErr(err)
		}
		return out, nil

	case "upsert":
		out := op.doc.Clone()
		if out.PartitionKey == "" {
			out.PartitionKey = b.partitionKey
		}
		out.ETag = uuid.NewString()
		query := fmt.Sprintf(`
			INSERT INTO %s (%s)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,DEFAULT)
			ON CONFLICT (partition_key, id) DO UPDATE SET
				kind = EXCLUDED.kind, type = EXCLUDED.type, subject = EXCLUDED.subject,
				sequence = EXCLUDED.sequence, time = EXCLUDED.time, data = EXCLUDED.data,
				requested_by = EXCLUDED.requested_by, correlation_id = EXCLUDED.correlation_id,
				traceparent = EXCLUDED.traceparent, tracestate = EXCLUDED.tracestate,
				etag = EXCLUDED.etag, deleted = EXCLUDED.deleted,
				created_on = EXCLUDED.created_on, created_by = EXCLUDED.created_by,
				updated_on = EXCLUDED.updated_on, updated_by = EXCLUDED.updated_by,
				feed_seq = DEFAULT
		`, table, docColumns)
		args := insertArgs(out)
		if op.etag != "" {
			query += fmt.Sprintf(` WHERE %s.etag = $19`, table)
			args = append(args, op.etag)
		}
		query += ` RETURNING feed_seq`
		err := tx.QueryRow(ctx, query, args...).Scan(&out.FeedSeq)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConcurrency
		}
		if err != nil {
			return nil, classifyPgErr(err)
		}
		return out, nil

	case "delete":
		query := fmt.Sprintf(`DELETE FROM %s WHERE partition_key = $1 AND id = $2`, table)
		args := []any{b.partitionKey, op.id}
		if op.etag != "" {
			query += ` AND etag = $3`
			args = append(args, op.etag)
		}
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return nil, classifyPgErr(err)
		}
		if op.etag != "" && tag.RowsAffected() == 0 {
			return nil, ErrConcurrency
		}
		return nil, nil

	default:
		return nil, fmt.Errorf("storage: unknown batch op %q", op.verb)
	}
}

func (b *pgBatch) ids() []string {
	ids := make([]string, 0, len(b.ops))
	for _, op := range b.ops {
		if op.doc != nil {
			ids = append(ids, op.doc.ID)
		} else {
			ids = append(ids, op.id)
		}
	}
	return ids
}

func insertArgs(d *Document) []any {
	return []any{
		d.ID, d.PartitionKey, string(d.Kind), d.Type, d.Subject, d.Sequence,
		d.Time, []byte(d.Data), d.RequestedBy, d.CorrelationID, d.Traceparent, d.Tracestate,
		d.ETag, d.Deleted,
		nullTime(d.CreatedOn), nullString(d.CreatedBy), nullTime(d.UpdatedOn), nullString(d.UpdatedBy),
	}
}

func scanDocument(row pgx.Row) (*Document, error) {
	var (
		d         Document
		kind      string
		data      []byte
		createdOn *time.Time
		createdBy *string
		updatedOn *time.Time
		updatedBy *string
	)
	err := row.Scan(
		&d.ID, &d.PartitionKey, &kind, &d.Type, &d.Subject, &d.Sequence,
		&d.Time, &data, &d.RequestedBy, &d.CorrelationID, &d.Traceparent, &d.Tracestate,
		&d.ETag, &d.Deleted,
		&createdOn, &createdBy, &updatedOn, &updatedBy, &d.FeedSeq,
	)
	if err != nil {
		return nil, err
	}
	d.Kind = Kind(kind)
	d.Data = data
	if createdOn != nil {
		d.CreatedOn = *createdOn
	}
	if createdBy != nil {
		d.CreatedBy = *createdBy
	}
	if updatedOn != nil {
		d.UpdatedOn = *updatedOn
	}
	if updatedBy != nil {
		d.UpdatedBy = *updatedBy
	}
	return &d, nil
}

func scanDocuments(rows pgx.Rows) ([]*Document, error) {
	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return docs, nil
}

func classifyPgErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if strings.Contains(pgErr.ConstraintName, "subject_sequence") {
			return fmt.Errorf("%w: %s", ErrSequenceConflict, pgErr.ConstraintName)
		}
		return ErrExists
	}
	return err
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
