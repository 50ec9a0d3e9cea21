package db

import (
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// Connect initializes the database connection and runs migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connect db")
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS rooms (
            id TEXT PRIMARY KEY,
            t TEXT NOT NULL,
            name TEXT NOT NULL DEFAULT '',
            fname TEXT NOT NULL DEFAULT '',
            topic TEXT NOT NULL DEFAULT '',
            announcement TEXT NOT NULL DEFAULT '',
            prid TEXT NOT NULL DEFAULT '',
            f BOOLEAN NOT NULL DEFAULT FALSE,
            ro BOOLEAN NOT NULL DEFAULT FALSE,
            archived BOOLEAN NOT NULL DEFAULT FALSE,
            blocked BOOLEAN NOT NULL DEFAULT FALSE,
            blocker BOOLEAN NOT NULL DEFAULT FALSE,
            open BOOLEAN NOT NULL DEFAULT TRUE,
            broadcast BOOLEAN NOT NULL DEFAULT FALSE,
            encrypted BOOLEAN NOT NULL DEFAULT FALSE,
            alert BOOLEAN NOT NULL DEFAULT FALSE,
            unread INT NOT NULL DEFAULT 0,
            user_mentions INT NOT NULL DEFAULT 0,
            tunread TEXT[],
            muted TEXT[],
            ignored TEXT[],
            roles TEXT[],
            sys_mes TEXT[],
            uids TEXT[],
            jitsi_timeout BIGINT NOT NULL DEFAULT 0,
            team_id TEXT NOT NULL DEFAULT '',
            team_main BOOLEAN NOT NULL DEFAULT FALSE,
            join_code_required BOOLEAN NOT NULL DEFAULT FALSE,
            banner_closed BOOLEAN NOT NULL DEFAULT FALSE,
            auto_translate BOOLEAN NOT NULL DEFAULT FALSE,
            auto_translate_language TEXT NOT NULL DEFAULT '',
            visitor_id TEXT NOT NULL DEFAULT '',
            visitor_username TEXT NOT NULL DEFAULT '',
            visitor_name TEXT NOT NULL DEFAULT '',
            visitor_status TEXT NOT NULL DEFAULT '',
            ls TIMESTAMPTZ,
            draft_message TEXT NOT NULL DEFAULT '',
            updated_at TIMESTAMPTZ DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS rooms_open_idx ON rooms (open, archived);`,
		`CREATE TABLE IF NOT EXISTS threads (
            id TEXT PRIMARY KEY,
            rid TEXT NOT NULL,
            msg TEXT NOT NULL DEFAULT '',
            draft_message TEXT NOT NULL DEFAULT '',
            updated_at TIMESTAMPTZ DEFAULT NOW()
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id TEXT PRIMARY KEY,
            rid TEXT NOT NULL,
            tmid TEXT NOT NULL DEFAULT '',
            tmsg TEXT NOT NULL DEFAULT '',
            tlm TIMESTAMPTZ,
            msg TEXT NOT NULL DEFAULT '',
            t TEXT NOT NULL DEFAULT '',
            e2e TEXT NOT NULL DEFAULT '',
            user_id TEXT NOT NULL DEFAULT '',
            username TEXT NOT NULL DEFAULT '',
            ts TIMESTAMPTZ DEFAULT NOW()
        );`,
		`CREATE INDEX IF NOT EXISTS messages_room_ts_idx ON messages (rid, tmid, ts DESC);`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	jww.INFO.Println("database migrations applied")
	return nil
}
