package billing

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// IngestWebhook verifies and durably records one provider event, then hands
// it to a processor off the request path. The caller answers 200 as soon as
// the row is durable; processing survives handler shutdown through the
// persisted row plus the reclaim protocol.
func (s *Service) IngestWebhook(payload []byte, sigHeader string) (*IngestResult, error) {
	event, err := s.stripe.ConstructEvent(payload, sigHeader)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	created, err := s.repo.InsertWebhookEvent(event.ID, string(event.Type), string(payload))
	if err != nil {
		return nil, err
	}
	if !created {
		return &IngestResult{EventID: event.ID, Duplicate: true}, nil
	}

	s.scheduleProcessing(event.ID)
	return &IngestResult{EventID: event.ID}, nil
}

// scheduleProcessing kicks off asynchronous processing for a freshly
// ingested event. The goroutine owns its own deadline; if it dies before
// claiming, the retry pass picks the pending row up.
func (s *Service) scheduleProcessing(eventID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.ClaimTTLSeconds)*time.Second)
		defer cancel()
		if err := s.ProcessEvent(ctx, eventID); err != nil {
			log.Errorf("billing: async processing of event %s failed: %v", eventID, err)
		}
	}()
}
