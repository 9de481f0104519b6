package trigger

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/pipali/pipali/internal/logging"
)

// Schedule is one recurring trigger.
type Schedule struct {
	// Spec is a standard 5-field cron expression.
	Spec string `yaml:"spec"`
	// Message is the text submitted when the schedule fires.
	Message string `yaml:"message"`
	// ConversationID pins firings to one conversation; empty means a
	// fresh conversation per firing.
	ConversationID string `yaml:"conversationId,omitempty"`
}

// CronSource fires scheduled messages.
type CronSource struct {
	cron      *cron.Cron
	submitter Submitter
}

// NewCronSource creates an idle cron source.
func NewCronSource(submitter Submitter) *CronSource {
	return &CronSource{
		cron:      cron.New(),
		submitter: submitter,
	}
}

// Add registers a schedule. Invalid specs are rejected up front.
func (s *CronSource) Add(sched Schedule) (cron.EntryID, error) {
	if sched.Message == "" {
		return 0, fmt.Errorf("schedule %q has no message", sched.Spec)
	}
	id, err := s.cron.AddFunc(sched.Spec, func() {
		logging.Infof("[Trigger] Schedule %q fired", sched.Spec)
		if err := submit(context.Background(), s.submitter, sched.ConversationID, sched.Message); err != nil {
			logging.Errorf("[Trigger] Schedule submit: %v", err)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("schedule %q: %w", sched.Spec, err)
	}
	return id, nil
}

// Start begins firing schedules.
func (s *CronSource) Start() {
	s.cron.Start()
}

// Stop halts the scheduler and waits for running jobs.
func (s *CronSource) Stop() {
	<-s.cron.Stop().Done()
}
