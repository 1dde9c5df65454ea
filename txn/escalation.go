package txn

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/quarrydb/quarry/telemetry"
)

// escalationTracker counts row locks per (transaction, table) so the
// manager can swap them for one table lock past the threshold.
type escalationTracker struct {
	mu        sync.Mutex
	threshold int
	// rows: txnID -> table -> set of "table:row" resources
	rows map[uint64]map[string]map[string]struct{}
}

func newEscalationTracker(threshold int) *escalationTracker {
	return &escalationTracker{
		threshold: threshold,
		rows:      map[uint64]map[string]map[string]struct{}{},
	}
}

// track records a granted row lock and returns the row resources for
// the table when the count reaches the threshold, nil otherwise.
func (t *escalationTracker) track(txnID uint64, table, resource string) []string {
	if t.threshold <= 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tables := t.rows[txnID]
	if tables == nil {
		tables = map[string]map[string]struct{}{}
		t.rows[txnID] = tables
	}
	set := tables[table]
	if set == nil {
		set = map[string]struct{}{}
		tables[table] = set
	}
	set[resource] = struct{}{}

	if len(set) < t.threshold {
		return nil
	}
	resources := make([]string, 0, len(set))
	for r := range set {
		resources = append(resources, r)
	}
	return resources
}

func (t *escalationTracker) forget(txnID uint64, resource string) {
	table, ok := tableOf(resource)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if tables := t.rows[txnID]; tables != nil {
		if set := tables[table]; set != nil {
			delete(set, resource)
			if len(set) == 0 {
				delete(tables, table)
			}
		}
		if len(tables) == 0 {
			delete(t.rows, txnID)
		}
	}
}

func (t *escalationTracker) forgetTxn(txnID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rows, txnID)
}

func (t *escalationTracker) forgetTable(txnID uint64, table string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tables := t.rows[txnID]; tables != nil {
		delete(tables, table)
		if len(tables) == 0 {
			delete(t.rows, txnID)
		}
	}
}

// maybeEscalate runs after each grant. When the transaction's row lock
// count for one table crosses the threshold, it takes a table-level
// exclusive lock first and only then drops the row locks, so coverage
// is never lost. A conflicting table holder cancels the attempt; the
// next row grant retries.
func (lm *LockManager) maybeEscalate(txnID uint64, resource string) {
	table, ok := tableOf(resource)
	if !ok {
		return
	}

	rows := lm.escalation.track(txnID, table, resource)
	if rows == nil {
		return
	}

	if err := lm.TryAcquire(txnID, table, LockExclusive); err != nil {
		return
	}

	for _, row := range rows {
		lm.Release(txnID, row)
	}
	lm.escalation.forgetTable(txnID, table)

	lm.stats.RecordEscalation(len(rows))
	telemetry.LockEscalations.Inc()
	log.Debug().Uint64("txn_id", txnID).Str("table", table).Int("rows", len(rows)).
		Msg("escalated row locks to table lock")
}
