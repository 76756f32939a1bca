package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"atlaslibrary/internal/util"
	"atlaslibrary/pkg/domain"
	"atlaslibrary/pkg/notify"
	"atlaslibrary/pkg/store"
)

// RunSweep expires lapsed reservations, then fines overdue loans. Each phase
// is isolated: a failure is logged and recorded on the run and the other
// phase still executes. The run is persisted before returning.
func (a *App) RunSweep(ctx context.Context, trigger string) (domain.SweepRun, error) {
	logger := util.LoggerFromContext(ctx)
	run := domain.SweepRun{Trigger: trigger, StartedAt: a.now()}

	a.sweepPhase(ctx, &run, "reservations", a.expireReservations)
	a.sweepPhase(ctx, &run, "loans", a.fineOverdueLoans)

	run.FinishedAt = a.now()
	saved, err := a.store.SaveSweepRun(ctx, run)
	if err != nil {
		logger.Error("sweep run not recorded", "trigger", trigger, "err", err)
		return run, fmt.Errorf("save sweep run: %w", err)
	}
	logger.Info("sweep_finished",
		"trigger", trigger,
		"fines_created", len(saved.FinedLoanIDs),
		"reservations_expired", len(saved.ExpiredReservationIDs),
		"notifications_sent", saved.NotificationsSent,
		"errors", len(saved.Errors),
		"duration_ms", saved.FinishedAt.Sub(saved.StartedAt).Milliseconds(),
	)
	return saved, nil
}

func (a *App) sweepPhase(ctx context.Context, run *domain.SweepRun, phase string, fn func(context.Context, *domain.SweepRun) error) {
	logger := util.LoggerFromContext(ctx)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("sweep phase panicked", "phase", phase, "panic", r)
			run.Errors = append(run.Errors, fmt.Sprintf("%s: panic: %v", phase, r))
		}
	}()
	if err := fn(ctx, run); err != nil {
		logger.Error("sweep phase failed", "phase", phase, "err", err)
		run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", phase, err))
	}
}

// expireReservations deactivates reservations whose pickup window lapsed
// while the book was still held, frees the books, and sends one email per
// user listing every book they lost.
func (a *App) expireReservations(ctx context.Context, run *domain.SweepRun) error {
	cutoff := a.now().AddDate(0, 0, -a.policy.ReservationActiveDays)
	expired, err := a.store.ListExpiredReservations(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list expired reservations: %w", err)
	}

	byUser := make(map[int64][]domain.Reservation)
	for _, r := range expired {
		byUser[r.UserID] = append(byUser[r.UserID], r)
	}
	userIDs := make([]int64, 0, len(byUser))
	for id := range byUser {
		userIDs = append(userIDs, id)
	}
	sort.Slice(userIDs, func(i, j int) bool { return userIDs[i] < userIDs[j] })

	var errs []error
	for _, userID := range userIDs {
		var titles []string
		for _, r := range byUser[userID] {
			title, ok, err := a.expireReservation(ctx, r.ID, cutoff)
			if err != nil {
				errs = append(errs, fmt.Errorf("reservation %d: %w", r.ID, err))
				continue
			}
			if ok {
				titles = append(titles, title)
				run.ExpiredReservationIDs = append(run.ExpiredReservationIDs, r.ID)
			}
		}
		if len(titles) == 0 {
			continue
		}
		user, ok, err := a.store.GetUser(ctx, userID)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", userID, err))
			continue
		}
		if !ok {
			continue
		}
		msg := notify.ExpiredReservationsEmail(user.Email, titles)
		if a.send(ctx, &msg) {
			run.NotificationsSent++
		}
	}
	util.LoggerFromContext(ctx).Info("sweep phase done", "phase", "reservations", "candidates", len(expired), "expired", len(run.ExpiredReservationIDs))
	return errors.Join(errs...)
}

// expireReservation re-checks one candidate under the book lock so a
// borrow racing the sweep wins.
func (a *App) expireReservation(ctx context.Context, resID int64, cutoff time.Time) (string, bool, error) {
	var title string
	var done bool
	res, ok, err := a.store.GetReservation(ctx, resID)
	if err != nil || !ok {
		return "", false, err
	}
	err = a.withBook(ctx, res.BookID, func(tx store.Store) error {
		res, ok, err := tx.GetReservation(ctx, resID)
		if err != nil {
			return err
		}
		if !ok || !res.Active || res.ExpirationDate == nil || !res.ExpirationDate.Before(cutoff) {
			return nil
		}
		book, ok, err := tx.GetBook(ctx, res.BookID)
		if err != nil {
			return err
		}
		if !ok || book.Status != domain.BookReserved {
			return nil
		}
		if _, err := tx.UpdateReservation(ctx, res.ID, store.ReservationPatch{Active: ptr(false)}); err != nil {
			return err
		}
		if _, err := tx.UpdateBook(ctx, book.ID, store.BookPatch{Status: ptr(domain.BookAvailable)}); err != nil {
			return err
		}
		title, done = book.Title, true
		return nil
	})
	return title, done, err
}

// fineOverdueLoans charges each overdue loan once. A loan is skipped when
// the user already owes an unpaid fine for the book or the loan already
// carries a fine.
func (a *App) fineOverdueLoans(ctx context.Context, run *domain.SweepRun) error {
	now := a.now()
	overdue, err := a.store.ListOverdueLoans(ctx, now)
	if err != nil {
		return fmt.Errorf("list overdue loans: %w", err)
	}
	var errs []error
	for _, loan := range overdue {
		fine, created, err := a.fineLoan(ctx, loan.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("loan %d: %w", loan.ID, err))
			continue
		}
		if !created {
			continue
		}
		run.FinedLoanIDs = append(run.FinedLoanIDs, loan.ID)
		user, ok, err := a.store.GetUser(ctx, fine.UserID)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", fine.UserID, err))
			continue
		}
		if !ok {
			continue
		}
		msg := notify.OverdueEmail(user.Email, fine.Amount, fine.DueDate)
		if a.send(ctx, &msg) {
			run.NotificationsSent++
		}
	}
	util.LoggerFromContext(ctx).Info("sweep phase done", "phase", "loans", "overdue", len(overdue), "fined", len(run.FinedLoanIDs))
	return errors.Join(errs...)
}

func (a *App) fineLoan(ctx context.Context, loanID int64) (domain.Fine, bool, error) {
	loan, ok, err := a.store.GetLoan(ctx, loanID)
	if err != nil || !ok {
		return domain.Fine{}, false, err
	}
	var fine domain.Fine
	var created bool
	err = a.withBook(ctx, loan.BookID, func(tx store.Store) error {
		loan, ok, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if !ok || loan.Returned || !loan.ReturnDate.Before(a.now()) {
			return nil
		}
		existing, err := tx.ListUserFines(ctx, loan.UserID, store.FineFilter{BookID: &loan.BookID})
		if err != nil {
			return err
		}
		for _, f := range existing {
			if !f.Paid || f.LoanID == loan.ID {
				return nil
			}
		}
		fine, err = a.newFine(ctx, tx, loan.UserID, loan.BookID, loan.ID)
		if err != nil {
			return err
		}
		created = true
		return nil
	})
	return fine, created, err
}

// ListSweepRuns returns the most recent sweep runs, newest first.
func (a *App) ListSweepRuns(ctx context.Context, limit int) ([]domain.SweepRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	out, err := a.store.ListSweepRuns(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list sweep runs: %w", err)
	}
	return out, nil
}
