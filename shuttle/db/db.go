package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		create table if not exists flows (
			id text primary key,
			name text not null unique,
			cron text not null default '',
			variables text not null default '{}', -- json
			webhook_added integer not null default 0,
			webhook_events text not null default '',
			created text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		);

		-- raw definition text, one row per flow; the parsed tree is
		-- rebuilt from this on demand
		create table if not exists definitions (
			flow_id text primary key references flows(id) on delete cascade,
			raw text not null,
			updated text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
