// Package tracking validates tracking signatures and records open/click
// events. Recording is best-effort and asynchronous: the caller gets its
// pixel or redirect immediately and the event row is written by a
// background consumer.
package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/COSCUP/newsletter/internal/domain"
	"github.com/COSCUP/newsletter/internal/pkg/logger"
	"github.com/COSCUP/newsletter/internal/token"
)

const defaultQueueSize = 1024

// SecretSource resolves a public ucode to the subscriber carrying it.
// Returns nil with no error when the ucode is unknown.
type SecretSource interface {
	GetByUcode(ctx context.Context, ucode string) (*domain.Subscriber, error)
}

// EventRepository appends email events.
type EventRepository interface {
	Insert(ctx context.Context, e *domain.EmailEvent) error
}

// Meta carries optional client metadata from the HTTP layer.
type Meta struct {
	UserAgent string
	IPAddress string
}

// Recorder verifies tracking hits and queues matching events for a
// background writer. Verification failures are invisible to the remote
// client: callers always produce the same response whether or not an
// event was recorded, so probing for valid ucodes yields no signal.
type Recorder struct {
	subs   SecretSource
	events EventRepository
	now    func() time.Time

	queue chan *domain.EmailEvent
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewRecorder(subs SecretSource, events EventRepository, queueSize int) *Recorder {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Recorder{
		subs:   subs,
		events: events,
		now:    time.Now,
		queue:  make(chan *domain.EmailEvent, queueSize),
	}
}

// Start launches the background writer.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
}

// Close stops accepting events, drains the queue, and waits for the
// writer to finish.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Record verifies a tracking hit and, if genuine, queues an event row.
// Unknown ucodes and signature mismatches are silent no-ops. clickedURL
// is empty for opens and is bound into the signature for clicks, so a
// tampered destination invalidates the hit.
func (r *Recorder) Record(ctx context.Context, ucode, topic, hash string, eventType domain.EventType, clickedURL string, meta Meta) {
	sub, err := r.subs.GetByUcode(ctx, ucode)
	if err != nil {
		logger.Warn("tracking lookup failed", "error", err)
		return
	}
	if sub == nil {
		return
	}
	if !token.VerifyTrackingSignature(sub.SecretCode, ucode, topic, clickedURL, hash) {
		return
	}

	e := &domain.EmailEvent{
		ID:        uuid.New().String(),
		Ucode:     ucode,
		EventType: eventType,
		Topic:     topic,
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
		CreatedAt: r.now(),
	}
	if eventType == domain.EventClick {
		u := clickedURL
		e.ClickedURL = &u
	}
	r.enqueue(e)
}

func (r *Recorder) enqueue(e *domain.EmailEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- e:
	default:
		// Queue full. Dropping is acceptable for engagement telemetry.
		logger.Warn("tracking queue full, dropping event", "event_type", string(e.EventType))
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.events.Insert(ctx, e); err != nil {
			logger.Warn("tracking event insert failed", "error", err)
		}
		cancel()
	}
}
