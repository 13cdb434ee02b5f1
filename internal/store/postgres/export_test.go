package postgres

import "context"

var NormalizeDSN = normalizeDSN

// Truncate empties every table.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE private_messages, private_conversations, global_messages, files, users`)
	return err
}
