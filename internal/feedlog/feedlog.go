package feedlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/feedlog/internal/envelope"
	"github.com/roach88/feedlog/internal/gate"
	"github.com/roach88/feedlog/internal/notify"
	"github.com/roach88/feedlog/internal/pipeline"
	"github.com/roach88/feedlog/internal/store"
	"github.com/roach88/feedlog/internal/validate"
)

// DefaultWriteTimeout bounds one batch write.
const DefaultWriteTimeout = 30 * time.Second

// Store is the durable store a Log writes to and reads from. Both the
// SQLite store and pgstore satisfy it.
type Store interface {
	store.Leaser

	// AppendBatch persists envs in one transaction. Envelopes whose key
	// is already stored are skipped.
	AppendBatch(ctx context.Context, envs []*envelope.Envelope) (int, error)
	Get(ctx context.Context, key envelope.MsgKey) (*envelope.Envelope, error)
	Last(ctx context.Context, author envelope.FeedID) (*envelope.Envelope, error)
	Range(ctx context.Context, q store.RangeQuery) ([]*envelope.Envelope, error)
	About(ctx context.Context, name string) (*envelope.Envelope, error)
	IsFollowing(ctx context.Context, source, dest envelope.FeedID) (bool, error)
}

// Log is the append coordinator. It is safe for concurrent use.
type Log struct {
	store        Store
	policy       validate.Policy
	clock        *Clock
	transform    *pipeline.Pipeline[any]
	writeTimeout time.Duration
	onError      func(error)

	// Readiness gates for dynamically registered collaborators.
	validators *gate.Gate
	boxers     *gate.Gate
	unboxers   *gate.Gate

	codecMu     sync.RWMutex
	boxerList   []pipeline.Boxer
	unboxerList []pipeline.Unboxer

	posts    *notify.Value[*envelope.Envelope]
	failures *notify.Value[error]

	mu      sync.Mutex
	feeds   map[envelope.FeedID]envelope.FeedState
	queue   []*entry
	pending map[envelope.MsgKey]*entry // queued or being written
	slots   map[slot]*entry
	written uint64 // batches completed
	running bool
	flushes []func()
	closed  bool
}

// Option configures a Log.
type Option func(*Log)

// WithPolicy sets the validator policy. The default is a strict validator
// without a network key.
func WithPolicy(p validate.Policy) Option {
	return func(l *Log) {
		l.policy = p
	}
}

// WithClock sets the timestamp source.
func WithClock(c *Clock) Option {
	return func(l *Log) {
		l.clock = c
	}
}

// WithErrorHandler registers fn to receive every store write failure.
// fn runs on the write cycle goroutine and must not block.
func WithErrorHandler(fn func(error)) Option {
	return func(l *Log) {
		l.onError = fn
	}
}

// WithWriteTimeout bounds each batch write. Non-positive values select
// DefaultWriteTimeout.
func WithWriteTimeout(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.writeTimeout = d
		}
	}
}

// WithTransform adds a content stage that runs after boxing. Stages run in
// the order they are given.
func WithTransform(stage pipeline.Stage[any]) Option {
	return func(l *Log) {
		if err := l.transform.Append(stage); err != nil {
			panic(fmt.Sprintf("feedlog: WithTransform: %v", err))
		}
	}
}

// New creates a Log on top of s.
func New(s Store, opts ...Option) (*Log, error) {
	if s == nil {
		return nil, fmt.Errorf("feedlog: store is required")
	}
	l := &Log{
		store:        s,
		clock:        NewClock(),
		transform:    pipeline.New[any]("content"),
		writeTimeout: DefaultWriteTimeout,
		validators:   gate.New("validators"),
		boxers:       gate.New("boxers"),
		unboxers:     gate.New("unboxers"),
		posts:        notify.New[*envelope.Envelope](),
		failures:     notify.New[error](),
		feeds:        make(map[envelope.FeedID]envelope.FeedState),
		pending:      make(map[envelope.MsgKey]*entry),
		slots:        make(map[slot]*entry),
	}
	if err := l.transform.Append(pipeline.BoxStage(l.boxerSnapshot)); err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.policy == nil {
		v, err := validate.New(validate.ModeStrict, nil)
		if err != nil {
			return nil, fmt.Errorf("feedlog: default policy: %w", err)
		}
		l.policy = v
	}

	slog.Debug("feedlog created", "mode", l.policy.Mode().String())
	return l, nil
}

// Policy returns the validator policy in use.
func (l *Log) Policy() validate.Policy {
	return l.policy
}

// Close waits for queued entries to be written and rejects further
// appends. It does not close the store.
func (l *Log) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return l.FlushContext(ctx)
}

// Subscribe calls fn with every envelope written from now on, in write
// order, starting with the most recent one if any. fn runs on the write
// cycle goroutine and must not block.
func (l *Log) Subscribe(fn func(*envelope.Envelope)) (cancel func()) {
	return l.posts.Subscribe(fn)
}

// Latest returns the most recently written envelope.
func (l *Log) Latest() (*envelope.Envelope, bool) {
	return l.posts.Get()
}

// Errors returns the notifier carrying store write failures.
func (l *Log) Errors() *notify.Value[error] {
	return l.failures
}

// AddValidator registers a setup task that must finish before the next
// append or add is validated.
func (l *Log) AddValidator(init gate.Task) {
	l.validators.Register(init)
}

// AddBoxer adds b to the boxer chain. When init is non-nil, appends wait
// for it before boxing.
func (l *Log) AddBoxer(b pipeline.Boxer, init gate.Task) {
	if b == nil {
		panic("feedlog: AddBoxer expects a boxer")
	}
	l.codecMu.Lock()
	l.boxerList = append(l.boxerList, b)
	l.codecMu.Unlock()
	if init != nil {
		l.boxers.Register(init)
	}
}

// AddUnboxer adds u to the unboxer chain. When init is non-nil, reads that
// unbox wait for it.
func (l *Log) AddUnboxer(u pipeline.Unboxer, init gate.Task) {
	if u == nil {
		panic("feedlog: AddUnboxer expects an unboxer")
	}
	l.codecMu.Lock()
	l.unboxerList = append(l.unboxerList, u)
	l.codecMu.Unlock()
	if init != nil {
		l.unboxers.Register(init)
	}
}

func (l *Log) boxerSnapshot() []pipeline.Boxer {
	l.codecMu.RLock()
	defer l.codecMu.RUnlock()
	return append([]pipeline.Boxer(nil), l.boxerList...)
}

func (l *Log) unboxerSnapshot() []pipeline.Unboxer {
	l.codecMu.RLock()
	defer l.codecMu.RUnlock()
	return append([]pipeline.Unboxer(nil), l.unboxerList...)
}
