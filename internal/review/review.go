// Package review keeps the append-only queues of ban appeals and abuse
// reports that administrators work through.
package review

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/christopherjohns/chatguard/internal/apperr"
	"github.com/christopherjohns/chatguard/internal/metrics"
	"github.com/christopherjohns/chatguard/internal/storage"
	"github.com/christopherjohns/chatguard/internal/token"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Kind selects a queue.
type Kind string

const (
	KindAppeal Kind = "appeal"
	KindReport Kind = "report"
)

const MaxBodyLength = 2000

// Entry is one submitted appeal or report.
type Entry struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Username  string    `json:"username,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot is the persisted form of the queue.
type Snapshot []Entry

type submission struct {
	Kind     Kind   `validate:"oneof=appeal report"`
	Username string `validate:"omitempty,max=64"`
	Body     string `validate:"required,max=2000"`
}

// Queue holds appeals and reports in submission order.
type Queue struct {
	mu      sync.RWMutex
	entries []Entry
	version uint64

	persist  *storage.Persister[Snapshot]
	validate *validator.Validate
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
}

// NewQueue creates an empty queue persisted to store.
func NewQueue(store storage.Store[Snapshot], log *slog.Logger, timeout time.Duration, m *metrics.Metrics) *Queue {
	q := &Queue{
		validate: validator.New(),
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
	q.persist = storage.NewPersister(store, timeout, q.snapshot)
	return q
}

// Hydrate loads the stored queue. A load failure starts it empty.
func (q *Queue) Hydrate(ctx context.Context) {
	snap, err := q.persist.Load(ctx)
	if err != nil {
		q.log.Warn("review queue load failed, starting empty", "err", err)
		snap = nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = slices.Clone(snap)
	q.log.Info("review queue loaded", "entries", len(q.entries))
}

// Submit appends an appeal or report. No account or ban has to exist for
// username.
func (q *Queue) Submit(ctx context.Context, kind Kind, username, body string) (Entry, error) {
	in := submission{
		Kind:     Kind(strings.ToLower(strings.TrimSpace(string(kind)))),
		Username: strings.ToLower(strings.TrimSpace(username)),
		Body:     strings.TrimSpace(body),
	}
	if err := q.validate.Struct(in); err != nil {
		return Entry{}, apperr.Validation(message(err))
	}

	e := Entry{
		ID:        uuid.NewString(),
		Kind:      in.Kind,
		Username:  in.Username,
		Body:      in.Body,
		CreatedAt: q.now().UTC(),
	}

	q.mu.Lock()
	q.entries = append(q.entries, e)
	q.version++
	q.mu.Unlock()

	undo := func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if i := slices.IndexFunc(q.entries, func(x Entry) bool { return x.ID == e.ID }); i >= 0 {
			q.entries = slices.Delete(q.entries, i, i+1)
			q.version++
		}
	}
	write := func(ctx context.Context, undo func()) error {
		if err := q.persist.Sync(ctx, undo); err != nil {
			q.log.Error("review queue save failed", "err", err)
			return apperr.Storage("save review queue", err)
		}
		return nil
	}
	if err := storage.NewChange(write, undo).Commit(ctx); err != nil {
		return Entry{}, err
	}

	q.metrics.ReviewSubmitted(string(e.Kind))
	q.log.Info("review entry submitted", "kind", e.Kind, "id", e.ID, "username", e.Username)
	return e, nil
}

// List returns the entries of kind in submission order, or every entry when
// kind is empty. Only admins may read the queues.
func (q *Queue) List(actorToken string, kind Kind) ([]Entry, error) {
	if _, err := token.RequireAdmin(actorToken); err != nil {
		return nil, err
	}
	kind = Kind(strings.ToLower(strings.TrimSpace(string(kind))))
	switch kind {
	case "", KindAppeal, KindReport:
	default:
		return nil, apperr.Validation("Unknown review kind")
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	out := lo.Filter(q.entries, func(e Entry, _ int) bool { return kind == "" || e.Kind == kind })
	if out == nil {
		out = []Entry{}
	}
	return out, nil
}

func (q *Queue) snapshot() (uint64, Snapshot) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.version, slices.Clone(Snapshot(q.entries))
}

func message(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request"
	}
	switch fe := verrs[0]; fe.Field() {
	case "Kind":
		return "Unknown review kind"
	case "Body":
		if fe.Tag() == "required" {
			return "Body required"
		}
		return "Body is too long"
	default:
		return "Username is too long"
	}
}
