package debatedragon

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"sync"
	"time"
)

const (
	// ramblingStateLabel is the fixed key of the single rambling_state row
	ramblingStateLabel = "rambling"

	ramblingTimestampFormat = time.RFC3339Nano

	columnRamblingStateLabel = "label"
)

// RamblingAction is the outcome of evaluating one message
type RamblingAction string

const (
	// RamblingIgnore means the message wasn't from the monitored author in
	// the monitored guild, and state wasn't touched.
	RamblingIgnore RamblingAction = "ignore"

	// RamblingIncrement means the message was counted (or, with a counter
	// of 0, set a new baseline).
	RamblingIncrement RamblingAction = "increment"

	// RamblingReset means the gap since the previous message was too
	// large, and the counter was reset.
	RamblingReset RamblingAction = "reset"

	// RamblingNotify means the counter exceeded the message limit. The
	// state has already been reset when this is returned.
	RamblingNotify RamblingAction = "notify"
)

// RamblingState is the persisted counter. There's only ever one row,
// keyed by [ramblingStateLabel].
//
//nolint:lll // struct tags can't be split
type RamblingState struct {
	ModelUintID
	ModelUnixTime

	Label string `json:"label" gorm:"uniqueIndex;not null"`

	// PreviousNotificationTimeStamp is the RFC3339 (UTC) timestamp of the
	// last counted message. Empty when there's no baseline, either because
	// nothing has been seen yet or because the counter was reset.
	PreviousNotificationTimeStamp string `json:"previous_notification_time_stamp" gorm:"type:string"`

	// Counter is the number of consecutive messages seen within the window
	Counter int `json:"counter" gorm:"not null;default:0;check:counter >= 0"`
}

func (RamblingState) TableName() string {
	return "rambling_state"
}

func (s RamblingState) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("counter", s.Counter),
		slog.String("previous_notification_time_stamp", s.PreviousNotificationTimeStamp),
	)
}

// previousTimestamp parses PreviousNotificationTimeStamp. The returned bool
// is false if there's no usable baseline.
func (s RamblingState) previousTimestamp() (time.Time, bool) {
	if s.PreviousNotificationTimeStamp == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(ramblingTimestampFormat, s.PreviousNotificationTimeStamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

func (s *RamblingState) reset() {
	s.Counter = 0
	s.PreviousNotificationTimeStamp = ""
}

// RamblingMessage is the part of a discord message the detector looks at
type RamblingMessage struct {
	AuthorID  string
	GuildID   string
	Timestamp time.Time
}

// RamblingDecision is returned for every evaluated message.
type RamblingDecision struct {
	Action RamblingAction `json:"action"`

	// Counter is the counter after the message was applied. For
	// [RamblingNotify] it's the count that fired, even though the stored
	// counter is already back to 0.
	Counter int `json:"counter"`

	// Delta is the measured gap, in minutes, since the previous message.
	// Only meaningful for [RamblingIncrement] (with a baseline),
	// [RamblingReset] and [RamblingNotify].
	Delta int `json:"delta"`
}

func (d RamblingDecision) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("action", string(d.Action)),
		slog.Int("counter", d.Counter),
		slog.Int("delta", d.Delta),
	)
}

// qualifies reports whether the message is from the monitored author in
// the monitored guild
func (c RamblingConfig) qualifies(msg RamblingMessage) bool {
	return msg.AuthorID == c.AuthorID && msg.GuildID == c.GuildID
}

// windowDelta returns the gap in minutes between prev and ts.
//
// With [WindowModeMinuteOfHour], only the minute-of-hour components are
// compared, so the result can be negative across an hour boundary and
// ignores whole hours entirely.
func windowDelta(mode WindowMode, prev time.Time, ts time.Time) int {
	switch mode {
	case WindowModeElapsed:
		return int(ts.Sub(prev) / time.Minute)
	default:
		return ts.Minute() - prev.Minute()
	}
}

// evaluateRambling applies msg to state and returns the decision along with
// the state to persist. state may be nil when no row exists yet. It never
// modifies state; the returned state is a copy (or new).
func evaluateRambling(
	cfg RamblingConfig,
	state *RamblingState,
	msg RamblingMessage,
) (RamblingDecision, *RamblingState) {
	if !cfg.qualifies(msg) {
		return RamblingDecision{Action: RamblingIgnore}, state
	}

	next := &RamblingState{Label: ramblingStateLabel}
	if state != nil {
		s := *state
		next = &s
	}

	ts := msg.Timestamp.UTC()
	prev, ok := next.previousTimestamp()
	if state == nil || !ok {
		next.Counter = 0
		next.PreviousNotificationTimeStamp = ts.Format(ramblingTimestampFormat)
		return RamblingDecision{Action: RamblingIncrement}, next
	}

	delta := windowDelta(cfg.WindowMode, prev, ts)
	if delta >= cfg.WindowMinutes {
		next.reset()
		return RamblingDecision{Action: RamblingReset, Delta: delta}, next
	}

	next.Counter++
	if ts.After(prev) {
		next.PreviousNotificationTimeStamp = ts.Format(ramblingTimestampFormat)
	}

	if next.Counter > cfg.MessageLimit {
		decision := RamblingDecision{
			Action:  RamblingNotify,
			Counter: next.Counter,
			Delta:   delta,
		}
		next.reset()
		return decision, next
	}

	return RamblingDecision{
		Action:  RamblingIncrement,
		Counter: next.Counter,
		Delta:   delta,
	}, next
}

// RamblingStore loads and saves the single [RamblingState] record.
type RamblingStore interface {
	// LoadRamblingState returns the current state, or nil (and no error)
	// if it hasn't been created yet.
	LoadRamblingState(ctx context.Context) (*RamblingState, error)

	// SaveRamblingState creates or updates the state.
	SaveRamblingState(ctx context.Context, state *RamblingState) error
}

// gormRamblingStore implements [RamblingStore] with a gorm connection
type gormRamblingStore struct {
	db      *gorm.DB
	writeDB DBI
}

func newRamblingStore(writeDB DBI) *gormRamblingStore {
	return &gormRamblingStore{db: writeDB.DB(), writeDB: writeDB}
}

func (s *gormRamblingStore) LoadRamblingState(ctx context.Context) (*RamblingState, error) {
	ctx, cancel := withDBTimeout(ctx)
	defer cancel()

	var state RamblingState
	err := s.db.WithContext(ctx).Where(
		columnRamblingStateLabel+" = ?",
		ramblingStateLabel,
	).Take(&state).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &state, nil
}

func (s *gormRamblingStore) SaveRamblingState(ctx context.Context, state *RamblingState) error {
	_, err := s.writeDB.Save(ctx, state)
	return err
}

// RamblingDetector counts bursts of messages from the monitored author,
// persisting the counter through a [RamblingStore] after every
// qualifying message.
type RamblingDetector struct {
	config *RamblingConfig
	store  RamblingStore
	logger *slog.Logger

	// serializes load/evaluate/save, since the API can reset the state
	// while a message is being handled
	mu sync.Mutex
}

func NewRamblingDetector(
	config *RamblingConfig,
	store RamblingStore,
	logger *slog.Logger,
) *RamblingDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &RamblingDetector{
		config: config,
		store:  store,
		logger: logger.With(loggerNameKey, "rambling_detector"),
	}
}

// OnMessage evaluates one message. Messages that don't qualify return
// [RamblingIgnore] without touching the store. Store failures are
// returned wrapped in [ErrPersistenceFailure], and aren't retried.
func (r *RamblingDetector) OnMessage(
	ctx context.Context,
	msg RamblingMessage,
) (RamblingDecision, error) {
	if !r.config.qualifies(msg) {
		return RamblingDecision{Action: RamblingIgnore}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.store.LoadRamblingState(ctx)
	if err != nil {
		return RamblingDecision{}, wrapErr(
			ErrPersistenceFailure,
			fmt.Errorf("error loading rambling state: %w", err),
		)
	}

	decision, next := evaluateRambling(*r.config, state, msg)

	if err = r.store.SaveRamblingState(ctx, next); err != nil {
		return decision, wrapErr(
			ErrPersistenceFailure,
			fmt.Errorf("error saving rambling state: %w", err),
		)
	}

	r.logger.InfoContext(
		ctx,
		"rambling message evaluated",
		"decision", decision,
		"state", next,
	)
	return decision, nil
}

// State returns the current state, or a new zero state if none has been
// saved yet.
func (r *RamblingDetector) State(ctx context.Context) (*RamblingState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.store.LoadRamblingState(ctx)
	if err != nil {
		return nil, wrapErr(ErrPersistenceFailure, err)
	}
	if state == nil {
		state = &RamblingState{Label: ramblingStateLabel}
	}
	return state, nil
}

// ensureState creates the state record if it doesn't exist, and returns
// the current state.
func (r *RamblingDetector) ensureState(ctx context.Context) (*RamblingState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.store.LoadRamblingState(ctx)
	if err != nil {
		return nil, wrapErr(ErrPersistenceFailure, err)
	}
	if state != nil {
		return state, nil
	}
	state = &RamblingState{Label: ramblingStateLabel}
	if err = r.store.SaveRamblingState(ctx, state); err != nil {
		return nil, wrapErr(ErrPersistenceFailure, err)
	}
	r.logger.InfoContext(ctx, "created rambling state")
	return state, nil
}

// Reset sets the counter back to 0 and clears the baseline, creating the
// record if it doesn't exist.
func (r *RamblingDetector) Reset(ctx context.Context) (*RamblingState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.store.LoadRamblingState(ctx)
	if err != nil {
		return nil, wrapErr(ErrPersistenceFailure, err)
	}
	if state == nil {
		state = &RamblingState{Label: ramblingStateLabel}
	}
	state.reset()
	if err = r.store.SaveRamblingState(ctx, state); err != nil {
		r.logger.ErrorContext(ctx, "error resetting rambling state", tint.Err(err))
		return nil, wrapErr(ErrPersistenceFailure, err)
	}
	r.logger.InfoContext(ctx, "rambling state reset", "state", state)
	return state, nil
}
