package handlers

import "database/sql"

// Schema for the embedded store. The peers primary key is the peer_id
// alone: a peer belongs to at most one party, and joining elsewhere
// moves it.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS parties (
		party_id   TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		host_id    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS peers (
		peer_id     TEXT PRIMARY KEY,
		party_id    TEXT NOT NULL REFERENCES parties(party_id) ON DELETE CASCADE,
		name        TEXT NOT NULL DEFAULT '',
		public_key  TEXT NOT NULL DEFAULT '',
		nat_type    TEXT NOT NULL DEFAULT 'unknown',
		public_ip   TEXT NOT NULL DEFAULT '',
		public_port INTEGER NOT NULL DEFAULT 0,
		local_ip    TEXT NOT NULL DEFAULT '',
		local_port  INTEGER NOT NULL DEFAULT 0,
		last_seen   TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS relays (
		relay_id      TEXT PRIMARY KEY,
		region        TEXT NOT NULL DEFAULT '',
		endpoint_ip   TEXT NOT NULL,
		endpoint_port INTEGER NOT NULL,
		capacity      INTEGER NOT NULL DEFAULT 0,
		current_load  INTEGER NOT NULL DEFAULT 0,
		last_seen     TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS auth_tokens (
		token      TEXT PRIMARY KEY,
		peer_id    TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_peers_party_id ON peers(party_id)`,
	`CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen)`,
	`CREATE INDEX IF NOT EXISTS idx_auth_tokens_expires_at ON auth_tokens(expires_at)`,
	`CREATE INDEX IF NOT EXISTS idx_relays_last_seen ON relays(last_seen)`,
}

// EnsureSchema creates the tables and indexes if they are missing.
func EnsureSchema(database *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := database.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
