package app

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"atlaslibrary/internal/lock"
	"atlaslibrary/pkg/auth"
	"atlaslibrary/pkg/notify"
	"atlaslibrary/pkg/store"
)

// Policy holds the circulation constants.
type Policy struct {
	ReturnIntervalDays    int
	FineAmount            decimal.Decimal
	ReservationActiveDays int
}

// DefaultPolicy returns a 7 day loan window, a 5.00 fine and a 2 day pickup window.
func DefaultPolicy() Policy {
	return Policy{
		ReturnIntervalDays:    7,
		FineAmount:            decimal.NewFromInt(5),
		ReservationActiveDays: 2,
	}
}

func (p Policy) validate() error {
	if p.ReturnIntervalDays <= 0 {
		return errors.New("return interval days must be positive")
	}
	if p.ReservationActiveDays <= 0 {
		return errors.New("reservation active days must be positive")
	}
	if p.FineAmount.IsNegative() {
		return errors.New("fine amount must not be negative")
	}
	return nil
}

// Config holds runtime dependencies for the core application.
type Config struct {
	Store    store.Store
	Locker   lock.Locker
	Notifier notify.Sender
	Tokens   *auth.Tokens
	Policy   Policy
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}

// App coordinates loans, reservations and fines around each book's
// availability state.
type App struct {
	store    store.Store
	locker   lock.Locker
	notifier notify.Sender
	tokens   *auth.Tokens
	policy   Policy
	clock    func() time.Time
}

// New validates cfg and builds the application. Locker defaults to an
// in-process lock and Notifier to a log-only sender.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("token service required")
	}
	if err := cfg.Policy.validate(); err != nil {
		return nil, err
	}
	locker := cfg.Locker
	if locker == nil {
		locker = lock.NewLocal()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.LogSender{}
	}
	clock := cfg.Now
	if clock == nil {
		clock = time.Now
	}
	return &App{
		store:    cfg.Store,
		locker:   locker,
		notifier: notifier,
		tokens:   cfg.Tokens,
		policy:   cfg.Policy,
		clock:    clock,
	}, nil
}

// Policy returns the circulation constants in effect.
func (a *App) Policy() Policy { return a.policy }

func (a *App) now() time.Time { return a.clock().UTC() }

// withBook runs fn while holding the critical section for bookID, inside a
// store transaction. Every change to a book's availability goes through
// here, and fn must read and write through tx so a failed step rolls back
// the whole transition. The Redis locker renews its lease while fn runs.
func (a *App) withBook(ctx context.Context, bookID int64, fn func(tx store.Store) error) error {
	release, err := a.locker.Lock(ctx, "book:"+strconv.FormatInt(bookID, 10))
	if err != nil {
		return storeErr(err, "lock book", "")
	}
	defer release()
	return a.store.InTx(ctx, fn)
}

func ptr[T any](v T) *T { return &v }
