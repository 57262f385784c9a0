package persist

import "fmt"

// SessionRecord is a durable snapshot of a gateway session, used to rebuild
// the in-memory session table across restarts and to back the admin CLI's
// sessions listing.
type SessionRecord struct {
	ID              string
	MudName         string
	APIKeyID        string
	PermissionsJSON string
	CreatedAtUnix   int64
	LastActivity    int64
}

// SaveSession upserts a session record into the index.
func (s *Store) SaveSession(r SessionRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions(id, mud_name, api_key_id, permissions_json, created_at, last_activity)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			mud_name = excluded.mud_name,
			api_key_id = excluded.api_key_id,
			permissions_json = excluded.permissions_json,
			last_activity = excluded.last_activity`,
		r.ID, r.MudName, r.APIKeyID, r.PermissionsJSON, r.CreatedAtUnix, r.LastActivity,
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", r.ID, err)
	}
	return nil
}

// LoadSessions returns every indexed session, most recently active first.
func (s *Store) LoadSessions() ([]SessionRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, mud_name, api_key_id, permissions_json, created_at, last_activity
		 FROM sessions ORDER BY last_activity DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		if err := rows.Scan(&r.ID, &r.MudName, &r.APIKeyID, &r.PermissionsJSON, &r.CreatedAtUnix, &r.LastActivity); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// DeleteSession removes a session from the index, typically once it expires
// or is explicitly closed.
func (s *Store) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// PruneSessionsOlderThan deletes indexed sessions whose last activity
// predates cutoff (a Unix timestamp), returning the number removed.
func (s *Store) PruneSessionsOlderThan(cutoff int64) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE last_activity < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sessions: %w", err)
	}
	return res.RowsAffected()
}
