package supervisor

import (
	"log"
	"os"
	"time"

	"github.com/ianremillard/vtcore/internal/metadata"
	"github.com/ianremillard/vtcore/internal/pty"
)

// pollInterval is how often WatchAll rescans the control root for session
// directories it is not yet watching. Mirrors the 100ms polling cadence
// daemon.go's handleLogsFollow uses for its own log-follow loop, scaled up
// since new sessions appear far less often than new log bytes.
const pollInterval = time.Second

// WatchAll scans root for session directories and calls Watch on each one
// not already being watched, then keeps rescanning every pollInterval until
// stop is closed. Grounded on loadPersistedInstances, adapted from a
// one-shot reload into a continuous poll since sessions here are created by
// independently running vtfwd processes rather than by this same process's
// own handleStart.
func (s *Supervisor) WatchAll(root string, stop <-chan struct{}) {
	s.scanOnce(root)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.scanOnce(root)
		}
	}
}

func (s *Supervisor) scanOnce(root string) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := pty.SessionId(e.Name())

		s.mu.Lock()
		_, watching := s.listeners[id]
		s.mu.Unlock()
		if watching {
			continue
		}

		if _, err := metadata.Read(root, id); err != nil {
			continue // not a session directory (no session.json yet)
		}
		if err := s.Watch(id); err != nil {
			log.Printf("supervisor: could not watch session %s: %v", id, err)
		}
	}
}
