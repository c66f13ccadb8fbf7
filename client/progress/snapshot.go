package progress

import (
	"context"
	"encoding/json"
	"time"
)

// snapshot is the persisted form of one user's known documents
type snapshot struct {
	Login     string      `json:"login"`
	SavedAt   time.Time   `json:"saved_at"`
	Documents []*Document `json:"documents"`
}

func (s *Store) saveSnapshot(ctx context.Context, login string) {
	if s.snapshots == nil {
		return
	}
	data, err := json.Marshal(snapshot{
		Login:     login,
		SavedAt:   s.clock.Now(),
		Documents: s.Enrolled(login),
	})
	if err != nil {
		s.logger.Warn("Failed to encode progress snapshot", "error", err)
		return
	}
	if err := s.snapshots.SaveProgressSnapshot(ctx, data); err != nil {
		s.logger.Warn("Failed to save progress snapshot", "error", err)
	}
}

// lastKnown returns the in-memory documents for login overlaid on the
// persisted snapshot, keeping the higher version of each course.
func (s *Store) lastKnown(ctx context.Context, login string) []*Document {
	if s.snapshots != nil {
		if data, err := s.snapshots.ProgressSnapshot(ctx); err == nil {
			var snap snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				s.logger.Warn("Ignoring unreadable progress snapshot", "error", err)
			} else if snap.Login == login {
				for _, doc := range snap.Documents {
					s.remember(login, doc)
				}
			}
		}
	}
	return s.Enrolled(login)
}
