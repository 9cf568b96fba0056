// Package notify schedules local re-engagement notifications produced by
// background analysis. Scheduling is in-process and deliberately lossy: a
// pending notification is replaced by a newer one for the same user, and all
// of them are dropped on process exit. Delivery itself is pluggable via the
// Send callback.
package notify

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// DefaultDelay is how long after scheduling a notification fires, absent an
// override. Long enough that the user has plausibly stepped away.
const DefaultDelay = 8 * time.Hour

// sweepSpec is the cron cadence for checking due notifications.
const sweepSpec = "@every 30s"

type pending struct {
	text   string
	fireAt time.Time
}

// Scheduler holds pending notifications and delivers them when due. One
// pending notification per user; a newer schedule replaces the older one.
type Scheduler struct {
	// Send delivers one due notification. Required before Start.
	Send func(userID, text string)
	// Delay overrides DefaultDelay when positive.
	Delay time.Duration

	mu      sync.Mutex
	entries map[string]pending
	cron    *cron.Cron
}

// Schedule queues one notification for userID, replacing any pending one.
func (s *Scheduler) Schedule(userID, text string) {
	if text == "" {
		return
	}
	delay := s.Delay
	if delay <= 0 {
		delay = DefaultDelay
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries == nil {
		s.entries = make(map[string]pending)
	}
	s.entries[userID] = pending{text: text, fireAt: time.Now().Add(delay)}
	log.Debug().Str("user_id", userID).Dur("delay", delay).Msg("notification scheduled")
}

// Cancel drops the pending notification for userID, if any. Called when the
// user returns before the notification fires.
func (s *Scheduler) Cancel(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, userID)
}

// IsScheduled reports whether a notification is pending for userID.
func (s *Scheduler) IsScheduled(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[userID]
	return ok
}

// Start launches the sweep loop. Safe to call once.
func (s *Scheduler) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(sweepSpec, s.sweep); err != nil {
		return err
	}
	c.Start()
	s.mu.Lock()
	s.cron = c
	s.mu.Unlock()
	return nil
}

// Stop halts the sweep loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// sweep delivers every due notification. Each delivery removes its entry
// before Send runs so a slow sink cannot double-deliver.
func (s *Scheduler) sweep() {
	now := time.Now()
	due := make(map[string]string)

	s.mu.Lock()
	for userID, p := range s.entries {
		if !p.fireAt.After(now) {
			due[userID] = p.text
			delete(s.entries, userID)
		}
	}
	send := s.Send
	s.mu.Unlock()

	if send == nil {
		return
	}
	for userID, text := range due {
		send(userID, text)
		log.Info().Str("user_id", userID).Msg("notification delivered")
	}
}
