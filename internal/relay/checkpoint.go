// Package relay drains container change feeds into handlers: publishing
// events to Kafka, moving records between containers and routing changed
// documents as commands. Delivery is at-least-once; the checkpoint is the
// high-water mark of the last fully handled batch.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/eventrail/libs/db"
)

// CheckpointStore persists each processor's feed position.
type CheckpointStore interface {
	Load(ctx context.Context, processor string) (int64, error)
	Save(ctx context.Context, processor string, position int64) error
}

// PGCheckpoints keeps checkpoints in the relay_checkpoints table.
type PGCheckpoints struct {
	pool *db.Pool
}

func NewPGCheckpoints(pool *db.Pool) *PGCheckpoints {
	return &PGCheckpoints{pool: pool}
}

func (c *PGCheckpoints) Load(ctx context.Context, processor string) (int64, error) {
	var position int64
	err := c.pool.QueryRow(ctx, `
		SELECT position FROM relay_checkpoints WHERE processor = $1
	`, processor).Scan(&position)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return position, nil
}

func (c *PGCheckpoints) Save(ctx context.Context, processor string, position int64) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO relay_checkpoints (processor, position, updated_on)
		VALUES ($1, $2, now())
		ON CONFLICT (processor) DO UPDATE SET
			position = EXCLUDED.position, updated_on = now()
	`, processor, position)
	return err
}

// MemCheckpoints is the in-memory store for tests and embedded use.
type MemCheckpoints struct {
	mu        sync.Mutex
	positions map[string]int64
}

func NewMemCheckpoints() *MemCheckpoints {
	return &MemCheckpoints{positions: make(map[string]int64)}
}

func (c *MemCheckpoints) Load(_ context.Context, processor string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positions[processor], nil
}

func (c *MemCheckpoints) Save(_ context.Context, processor string, position int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions[processor] = position
	return nil
}
