package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"vigil/internal/ports"
	"vigil/internal/queue"
)

// laneStore is the lane persistence the consume loop drives. Split from the
// loop so claim scheduling can be tested without a database.
type laneStore interface {
	claim(ctx context.Context, lane, consumer string) (ports.Delivery, bool, error)
	reap(ctx context.Context, lane string) (int64, error)
}

// Queue is a durable broker on top of postgres. Messages survive restarts,
// lanes are independent, delivery order is priority then age, and a consumer
// holds at most its prefetch limit of unresolved deliveries. Unresolved
// deliveries are leased; an expired lease returns the message to its lane.
type Queue struct {
	db    *DB
	poll  time.Duration
	log   *zap.Logger
	lanes laneStore
}

func NewQueue(db *DB, lease, poll time.Duration, log *zap.Logger) *Queue {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Queue{db: db, poll: poll, log: log, lanes: &pgLanes{db: db, lease: lease}}
}

func (q *Queue) Publish(ctx context.Context, lane string, body []byte, priority int, userID string) error {
	_, err := q.db.Pool.Exec(ctx, `
		INSERT INTO queue_messages (id, lane, state, priority, body, user_id)
		VALUES ($1, $2, 'ready', $3, $4, $5)
	`, uuid.New().String(), lane, priority, body, userID)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", lane, err)
	}
	return nil
}

// Consume runs a claim loop bounded by a prefetch-sized semaphore, the same
// role as a broker channel's basic.qos: claiming stops while prefetch
// deliveries are unresolved, which is the system's only backpressure.
func (q *Queue) Consume(ctx context.Context, lane string, prefetch int, h ports.Handler) error {
	if prefetch < 1 {
		return fmt.Errorf("consume %s: prefetch must be positive", lane)
	}
	consumer := fmt.Sprintf("%s-%s", lane, uuid.New().String()[:8])

	sem := make(chan struct{}, prefetch)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}

		n, err := q.lanes.reap(ctx, lane)
		if err != nil && !errors.Is(err, context.Canceled) {
			q.log.Warn("queue lease reap failed", zap.String("lane", lane), zap.Error(err))
		}
		if n > 0 {
			q.log.Info("requeued expired deliveries", zap.String("lane", lane), zap.Int64("count", n))
		}
		q.drain(ctx, lane, consumer, sem, &wg, h)
	}
}

// drain claims ready messages until the lane is empty or every prefetch slot
// is occupied by an unresolved delivery.
func (q *Queue) drain(ctx context.Context, lane, consumer string, sem chan struct{}, wg *sync.WaitGroup, h ports.Handler) {
	for {
		select {
		case sem <- struct{}{}:
		default:
			// All prefetch slots busy; stop claiming until one frees.
			return
		}

		d, found, err := q.lanes.claim(ctx, lane, consumer)
		if err != nil || !found {
			<-sem
			if err != nil && !errors.Is(err, context.Canceled) {
				q.log.Warn("queue claim failed", zap.String("lane", lane), zap.Error(err))
			}
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			h(ctx, d)
		}()
	}
}

// pgLanes is the postgres laneStore.
type pgLanes struct {
	db    *DB
	lease time.Duration
}

// claim leases the highest-priority ready message on the lane.
func (l *pgLanes) claim(ctx context.Context, lane, consumer string) (ports.Delivery, bool, error) {
	tx, err := l.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var d delivery
	err = tx.QueryRow(ctx, `
		SELECT id, body FROM queue_messages
		WHERE lane = $1 AND state = 'ready'
		ORDER BY priority, created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, lane).Scan(&d.id, &d.body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	lockUntil := time.Now().Add(l.lease)
	if _, err := tx.Exec(ctx, `
		UPDATE queue_messages
		SET state='unacked', locked_by=$2, locked_until=$3, attempts=attempts+1
		WHERE id=$1
	`, d.id, consumer, lockUntil); err != nil {
		return nil, false, err
	}

	// The lease exists only once the commit lands. On commit failure the row
	// is still ready and another consumer may take it, so the delivery must
	// not be handed out.
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit claim: %w", err)
	}
	d.db = l.db
	return &d, true, nil
}

// reap returns expired leases to the lane so a crashed consumer's messages
// are redelivered. It reports how many were requeued.
func (l *pgLanes) reap(ctx context.Context, lane string) (int64, error) {
	tag, err := l.db.Pool.Exec(ctx, `
		UPDATE queue_messages
		SET state='ready', locked_by=NULL, locked_until=NULL
		WHERE lane=$1 AND state='unacked' AND locked_until < now()
	`, lane)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

type delivery struct {
	id   string
	body []byte
	db   *DB
}

func (d *delivery) Body() []byte { return d.body }

func (d *delivery) Ack(ctx context.Context) error {
	_, err := d.db.Pool.Exec(ctx, `DELETE FROM queue_messages WHERE id=$1`, d.id)
	return err
}

func (d *delivery) Reject(ctx context.Context, requeue bool) error {
	if requeue {
		_, err := d.db.Pool.Exec(ctx, `
			UPDATE queue_messages
			SET state='ready', locked_by=NULL, locked_until=NULL
			WHERE id=$1
		`, d.id)
		return err
	}
	_, err := d.db.Pool.Exec(ctx, `
		UPDATE queue_messages
		SET state='dead', source_lane=lane, lane=$2, locked_by=NULL, locked_until=NULL
		WHERE id=$1
	`, d.id, queue.DeadLetterQueue)
	return err
}
