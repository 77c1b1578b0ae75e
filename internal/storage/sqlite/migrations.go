package sqlite

import "database/sql"

// schema contains the SQL statements to set up the database schema.
// These run on startup to ensure tables exist.
// IMPORTANT: tontines must be created first, every other table references it.
const schema = `
CREATE TABLE IF NOT EXISTS tontines (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    creator_id TEXT NOT NULL,
    contribution_amount INTEGER NOT NULL CHECK (contribution_amount > 0),
    frequency TEXT NOT NULL,
    min_members INTEGER NOT NULL,
    max_members INTEGER NOT NULL,
    late_penalty_percent TEXT NOT NULL,
    absence_fine INTEGER NOT NULL DEFAULT 0,
    grace_days INTEGER NOT NULL DEFAULT 0,
    total_cycles INTEGER NOT NULL DEFAULT 0,
    no_repeat INTEGER NOT NULL DEFAULT 1,
    current_cycle INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,
    invite_code TEXT NOT NULL UNIQUE,
    started_at INTEGER,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS caisses (
    id TEXT PRIMARY KEY,
    tontine_id TEXT NOT NULL,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    required INTEGER NOT NULL DEFAULT 0,
    allow_custom_amount INTEGER NOT NULL DEFAULT 0,
    contribution_amount INTEGER NOT NULL DEFAULT 0,
    balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    created_at INTEGER NOT NULL,
    FOREIGN KEY (tontine_id) REFERENCES tontines(id)
);

CREATE TABLE IF NOT EXISTS members (
    tontine_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    role TEXT NOT NULL,
    status TEXT NOT NULL,
    draw_position INTEGER,
    total_contributed INTEGER NOT NULL DEFAULT 0,
    total_received INTEGER NOT NULL DEFAULT 0,
    has_received INTEGER NOT NULL DEFAULT 0,
    last_received_cycle INTEGER NOT NULL DEFAULT 0,
    joined_at INTEGER NOT NULL,
    PRIMARY KEY (tontine_id, user_id),
    FOREIGN KEY (tontine_id) REFERENCES tontines(id)
);

CREATE TABLE IF NOT EXISTS role_events (
    id TEXT PRIMARY KEY,
    tontine_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    from_role TEXT NOT NULL,
    to_role TEXT NOT NULL,
    changed_by TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (tontine_id, user_id) REFERENCES members(tontine_id, user_id)
);

CREATE TABLE IF NOT EXISTS wallets (
    user_id TEXT PRIMARY KEY,
    balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS contributions (
    id TEXT PRIMARY KEY,
    tontine_id TEXT NOT NULL,
    caisse_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    amount INTEGER NOT NULL CHECK (amount > 0),
    cycle_number INTEGER NOT NULL,
    method TEXT NOT NULL,
    status TEXT NOT NULL,
    partial INTEGER NOT NULL DEFAULT 0,
    due_at INTEGER,
    paid_at INTEGER,
    transaction_ref TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL,
    FOREIGN KEY (tontine_id) REFERENCES tontines(id),
    FOREIGN KEY (caisse_id) REFERENCES caisses(id)
);

CREATE TABLE IF NOT EXISTS penalties (
    id TEXT PRIMARY KEY,
    tontine_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    caisse_id TEXT NOT NULL,
    contribution_id TEXT,
    cycle_number INTEGER NOT NULL,
    type TEXT NOT NULL,
    amount INTEGER NOT NULL CHECK (amount >= 0),
    reason TEXT NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    paid_at INTEGER,
    UNIQUE (tontine_id, user_id, cycle_number, caisse_id, type),
    FOREIGN KEY (tontine_id) REFERENCES tontines(id)
);

CREATE TABLE IF NOT EXISTS draws (
    id TEXT PRIMARY KEY,
    tontine_id TEXT NOT NULL,
    cycle_number INTEGER NOT NULL,
    status TEXT NOT NULL,
    draw_order TEXT,
    seal TEXT,
    started_at INTEGER,
    completed_at INTEGER,
    created_at INTEGER NOT NULL,
    UNIQUE (tontine_id, cycle_number),
    FOREIGN KEY (tontine_id) REFERENCES tontines(id)
);

CREATE TABLE IF NOT EXISTS draw_confirmations (
    draw_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    confirmed_at INTEGER NOT NULL,
    PRIMARY KEY (draw_id, user_id),
    FOREIGN KEY (draw_id) REFERENCES draws(id)
);

CREATE TABLE IF NOT EXISTS cycles (
    tontine_id TEXT NOT NULL,
    number INTEGER NOT NULL,
    state TEXT NOT NULL,
    due_at INTEGER,
    beneficiary_id TEXT,
    payout_amount INTEGER NOT NULL DEFAULT 0,
    paid_at INTEGER,
    PRIMARY KEY (tontine_id, number),
    FOREIGN KEY (tontine_id) REFERENCES tontines(id)
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
    id TEXT PRIMARY KEY,
    account_type TEXT NOT NULL,
    account_id TEXT NOT NULL,
    direction TEXT NOT NULL,
    amount INTEGER NOT NULL CHECK (amount > 0),
    balance_after INTEGER NOT NULL CHECK (balance_after >= 0),
    kind TEXT NOT NULL,
    reference TEXT NOT NULL,
    tontine_id TEXT,
    created_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_caisses_singleton ON caisses(tontine_id, type) WHERE type IN ('main', 'penalty');
CREATE UNIQUE INDEX IF NOT EXISTS idx_contributions_idempotency ON contributions(user_id, caisse_id, cycle_number) WHERE status IN ('pending', 'completed');
CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_reference ON ledger_transactions(account_type, account_id, reference, direction);
CREATE INDEX IF NOT EXISTS idx_caisses_tontine_id ON caisses(tontine_id);
CREATE INDEX IF NOT EXISTS idx_contributions_tontine_cycle ON contributions(tontine_id, cycle_number);
CREATE INDEX IF NOT EXISTS idx_penalties_tontine_cycle ON penalties(tontine_id, cycle_number);
CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_transactions(account_type, account_id);
CREATE INDEX IF NOT EXISTS idx_tontines_status ON tontines(status);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
