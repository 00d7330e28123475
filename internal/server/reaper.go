package server

import (
	"context"
	"time"
)

// reapLoop periodically removes tunnels whose last activity is older than
// the idle threshold. Closing a tunnel unblocks its processing loop, which
// performs the authoritative registry removal.
func (s *Server) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, sum := range s.registry.Snapshot() {
				if time.Since(sum.LastActivity) < s.cfg.IdleTimeout {
					continue
				}
				tunnel, err := s.registry.Lookup(sum.ID)
				if err != nil {
					continue
				}
				s.log.Info("reaping idle tunnel %s (last activity %s)", sum.ID,
					sum.LastActivity.Format(time.RFC3339))
				tunnel.Close()
			}
		case <-ctx.Done():
			return
		}
	}
}
