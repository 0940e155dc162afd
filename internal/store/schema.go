package store

// Schema DDL per backend. Identifiers that collide with SQL keywords
// ("database") are quoted, which both backends accept. The partial unique
// index on authentication_method enforces the at-most-one-verified-method
// invariant per (entity, email).

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS entity (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		slug TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		display_name TEXT,
		description TEXT,
		organization TEXT,
		location TEXT,
		links TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS authentication_method (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id INTEGER NOT NULL REFERENCES entity(id),
		method_type TEXT NOT NULL,
		status TEXT NOT NULL,
		email_address TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_authentication_method_verified
		ON authentication_method(entity_id, email_address)
		WHERE status = 'verified'`,
	`CREATE TABLE IF NOT EXISTS "database" (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_id INTEGER NOT NULL REFERENCES entity(id),
		slug TEXT NOT NULL,
		db_type TEXT NOT NULL,
		public_sharing_level TEXT NOT NULL DEFAULT 'no-access',
		UNIQUE(entity_id, slug)
	)`,
	`CREATE TABLE IF NOT EXISTS entity_database_permission (
		entity_id INTEGER NOT NULL REFERENCES entity(id),
		database_id INTEGER NOT NULL REFERENCES "database"(id),
		sharing_level TEXT NOT NULL,
		PRIMARY KEY (entity_id, database_id)
	)`,
	`CREATE TABLE IF NOT EXISTS api_token (
		short_token TEXT PRIMARY KEY,
		entity_id INTEGER NOT NULL REFERENCES entity(id),
		token_hash TEXT NOT NULL,
		database_id INTEGER REFERENCES "database"(id),
		query_permission_level TEXT,
		app_name TEXT,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP,
		revoked_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_authorization_request (
		code TEXT PRIMARY KEY,
		entity_id INTEGER NOT NULL REFERENCES entity(id),
		database_id INTEGER NOT NULL REFERENCES "database"(id),
		code_challenge TEXT NOT NULL,
		redirect_uri TEXT NOT NULL,
		app_name TEXT NOT NULL,
		requested_level TEXT NOT NULL,
		query_permission_level TEXT NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		used_at TIMESTAMP
	)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS entity (
		id BIGSERIAL PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		display_name TEXT,
		description TEXT,
		organization TEXT,
		location TEXT,
		links TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS authentication_method (
		id BIGSERIAL PRIMARY KEY,
		entity_id BIGINT NOT NULL REFERENCES entity(id),
		method_type TEXT NOT NULL,
		status TEXT NOT NULL,
		email_address TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_authentication_method_verified
		ON authentication_method(entity_id, email_address)
		WHERE status = 'verified'`,
	`CREATE TABLE IF NOT EXISTS "database" (
		id BIGSERIAL PRIMARY KEY,
		entity_id BIGINT NOT NULL REFERENCES entity(id),
		slug TEXT NOT NULL,
		db_type TEXT NOT NULL,
		public_sharing_level TEXT NOT NULL DEFAULT 'no-access',
		UNIQUE(entity_id, slug)
	)`,
	`CREATE TABLE IF NOT EXISTS entity_database_permission (
		entity_id BIGINT NOT NULL REFERENCES entity(id),
		database_id BIGINT NOT NULL REFERENCES "database"(id),
		sharing_level TEXT NOT NULL,
		PRIMARY KEY (entity_id, database_id)
	)`,
	`CREATE TABLE IF NOT EXISTS api_token (
		short_token TEXT PRIMARY KEY,
		entity_id BIGINT NOT NULL REFERENCES entity(id),
		token_hash TEXT NOT NULL,
		database_id BIGINT REFERENCES "database"(id),
		query_permission_level TEXT,
		app_name TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS oauth_authorization_request (
		code TEXT PRIMARY KEY,
		entity_id BIGINT NOT NULL REFERENCES entity(id),
		database_id BIGINT NOT NULL REFERENCES "database"(id),
		code_challenge TEXT NOT NULL,
		redirect_uri TEXT NOT NULL,
		app_name TEXT NOT NULL,
		requested_level TEXT NOT NULL,
		query_permission_level TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		used_at TIMESTAMPTZ
	)`,
}
