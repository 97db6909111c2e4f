package sqlite

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id         TEXT PRIMARY KEY,
	username   TEXT NOT NULL,
	is_online  INTEGER NOT NULL DEFAULT 0,
	last_seen  TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS rooms (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	type             TEXT NOT NULL DEFAULT 'public',
	created_by       TEXT NOT NULL,
	max_participants INTEGER NOT NULL,
	created_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS room_participants (
	room_id   TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id   TEXT NOT NULL,
	is_admin  INTEGER NOT NULL DEFAULT 0,
	joined_at TIMESTAMP NOT NULL,
	PRIMARY KEY (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	room_id         TEXT,
	recipient_id    TEXT,
	sender_id       TEXT NOT NULL,
	sender_username TEXT NOT NULL,
	content         TEXT NOT NULL,
	type            TEXT NOT NULL,
	created_at      TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_room ON messages (room_id, id);
CREATE INDEX IF NOT EXISTS idx_messages_private ON messages (sender_id, recipient_id, id);
`
