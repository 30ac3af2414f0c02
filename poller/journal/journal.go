// Package journal is the per-poller event log backing the status
// server: one append-only sqlite table, cursor reads for backfill.
package journal

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"windlass.sh/core/notifier"
)

// Event kinds recorded by the engines.
const (
	KindRunPublished = "run_published"
	KindTriggerFired = "trigger_fired"
	KindCycleError   = "cycle_error"
)

type Journal struct {
	*sql.DB
}

func Open(dbPath string) (*Journal, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		create table if not exists events (
			id integer primary key autoincrement,
			kind text not null,
			payload text not null, -- json
			created integer not null -- unix nanos
		);
	`)
	if err != nil {
		return nil, err
	}

	return &Journal{db}, nil
}

type Event struct {
	ID      int64           `json:"id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
	Created int64           `json:"created"`
}

func (j *Journal) Record(kind string, payload any, n *notifier.Notifier) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = j.Exec(
		`insert into events (kind, payload, created) values (?, ?, ?)`,
		kind,
		string(raw),
		time.Now().UnixNano(),
	)

	n.NotifyAll()

	return err
}

// Events returns up to 100 events past the cursor, oldest first.
func (j *Journal) Events(cursor int64) ([]Event, error) {
	whereClause := ""
	args := []any{}
	if cursor > 0 {
		whereClause = "where id > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select id, kind, payload, created
		from events
		%s
		order by id asc
		limit 100
	`, whereClause)

	rows, err := j.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		var payload string
		if err := rows.Scan(&ev.ID, &ev.Kind, &payload, &ev.Created); err != nil {
			return nil, err
		}
		ev.Payload = json.RawMessage(payload)
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}

// Latest returns the newest event, or nil when the journal is empty.
func (j *Journal) Latest() (*Event, error) {
	var ev Event
	var payload string
	err := j.QueryRow(`
		select id, kind, payload, created
		from events
		order by id desc
		limit 1
	`).Scan(&ev.ID, &ev.Kind, &payload, &ev.Created)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}
