package ledger

// Schema defines the SQLite schema for the fetch ledger. Each row records
// the latest fetch outcome for one avatar id.
const Schema = `
CREATE TABLE IF NOT EXISTS fetches (
    avatar_id INTEGER PRIMARY KEY,
    url TEXT NOT NULL,
    sha256 TEXT NOT NULL DEFAULT '',
    size INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL CHECK(status IN ('pending', 'ready', 'failed')),
    error_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_fetches_status ON fetches(status);
CREATE INDEX IF NOT EXISTS idx_fetches_updated_at ON fetches(updated_at);
`

// Status constants
const (
	StatusPending = "pending"
	StatusReady   = "ready"
	StatusFailed  = "failed"
)

// Fetch represents one ledger row.
type Fetch struct {
	AvatarID     int64
	URL          string
	SHA256       string
	Size         int64
	Status       string
	ErrorMessage string
	CreatedAt    string
	UpdatedAt    string
}
