package store

import (
	"context"
	"database/sql"

	"github.com/coderunner-ai/coderunner/internal/event"
)

// Tx wraps a single SQL transaction plus a queue of "effects" — callables
// registered during the transaction that run only if it commits. Every
// event publication the Store makes crosses this barrier, so subscribers
// never observe a row that a rolled-back transaction never actually wrote.
type Tx struct {
	sql     *sql.Tx
	bus     *event.Bus
	effects []func()
}

// defer registers fn to run after a successful commit, in registration
// order. It is a no-op once the transaction has already been finished.
func (tx *Tx) defer_(fn func()) {
	tx.effects = append(tx.effects, fn)
}

// publish queues a deferred event.Event for the given type/data, to be
// published via the Store's bus (or the package-level default bus, if none
// was configured) once this transaction commits.
func (tx *Tx) publish(t event.EventType, data any) {
	tx.defer_(func() {
		e := event.Event{Type: t, Data: data}
		if tx.bus != nil {
			tx.bus.PublishSync(e)
			return
		}
		event.PublishSync(e)
	})
}

// withTx runs fn inside a new transaction on db, committing and running
// fn's deferred effects on success, or rolling back (and discarding
// effects) on error.
func withTx[T any](ctx context.Context, db *DB, fn func(*Tx) (T, error)) (T, error) {
	var zero T

	sqlTx, err := db.sql.BeginTx(ctx, nil)
	if err != nil {
		return zero, err
	}

	tx := &Tx{sql: sqlTx, bus: db.bus}

	result, err := fn(tx)
	if err != nil {
		sqlTx.Rollback()
		return zero, err
	}

	if err := sqlTx.Commit(); err != nil {
		return zero, err
	}

	for _, effect := range tx.effects {
		effect()
	}

	return result, nil
}
