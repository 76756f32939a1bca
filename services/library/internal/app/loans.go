package app

import (
	"context"
	"fmt"
	"time"

	"atlaslibrary/pkg/domain"
	"atlaslibrary/pkg/notify"
	"atlaslibrary/pkg/store"
)

const (
	msgUserNotFound = "User not found, check the id and try again"
	msgBookNotFound = "Book not found, check the id and try again"
	msgLoanNotFound = "Loan not found, check the id and try again"
	msgLoanExists   = "Loan already exists"
	msgLoanNoChange = "Loan found, but info for updated has duplicate"
)

// CreateLoan lends bookID to userID. The book must be available, or held
// for a reservation the user owns; in the latter case the reservation is
// consumed.
func (a *App) CreateLoan(ctx context.Context, bookID, userID int64) (domain.Loan, error) {
	if err := a.requireUser(ctx, userID); err != nil {
		return domain.Loan{}, err
	}
	var loan domain.Loan
	err := a.withBook(ctx, bookID, func(tx store.Store) error {
		book, ok, err := tx.GetBook(ctx, bookID)
		if err != nil {
			return fmt.Errorf("fetch book: %w", err)
		}
		if !ok {
			return NotFound(msgBookNotFound, nil)
		}
		res, hasRes, err := tx.ActiveReservationForUser(ctx, userID, bookID)
		if err != nil {
			return fmt.Errorf("fetch reservation: %w", err)
		}
		if !book.Available && !(hasRes && book.Status == domain.BookReserved) {
			return Conflict(fmt.Sprintf("Book is not available for Loan, status: %s", book.Status), map[string]any{"status": book.Status})
		}
		open, err := hasOpenLoan(ctx, tx, userID, bookID)
		if err != nil {
			return err
		}
		if open {
			return Conflict(msgLoanExists, nil)
		}

		now := a.now()
		loan, err = tx.CreateLoan(ctx, domain.Loan{
			BookID:     bookID,
			UserID:     userID,
			LoanDate:   now,
			ReturnDate: now.AddDate(0, 0, a.policy.ReturnIntervalDays),
		})
		if err != nil {
			return storeErr(err, "create loan", msgLoanExists)
		}
		if _, err := tx.UpdateBook(ctx, bookID, store.BookPatch{Status: ptr(domain.BookBorrowed)}); err != nil {
			return fmt.Errorf("mark book borrowed: %w", err)
		}
		if hasRes {
			if _, err := tx.UpdateReservation(ctx, res.ID, store.ReservationPatch{Active: ptr(false)}); err != nil {
				return fmt.Errorf("consume reservation: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Loan{}, err
	}
	return loan, nil
}

func hasOpenLoan(ctx context.Context, st store.Store, userID, bookID int64) (bool, error) {
	open, err := st.ListUserLoans(ctx, userID, store.LoanFilter{Returned: ptr(false)})
	if err != nil {
		return false, fmt.Errorf("list user loans: %w", err)
	}
	for _, l := range open {
		if l.BookID == bookID {
			return true, nil
		}
	}
	return false, nil
}

// ReturnLoan marks the loan returned and settles the book. Only
// returned=true is meaningful.
func (a *App) ReturnLoan(ctx context.Context, loanID int64, returned bool) error {
	if !returned {
		return BadRequest("Field 'returned' must be true", nil)
	}
	loan, err := a.GetLoan(ctx, loanID)
	if err != nil {
		return err
	}
	var pending *notify.Email
	err = a.withBook(ctx, loan.BookID, func(tx store.Store) error {
		outcome, err := tx.UpdateLoan(ctx, loanID, store.LoanPatch{Returned: ptr(true)})
		if err != nil {
			return storeErr(err, "return loan", msgLoanNoChange)
		}
		if err := outcomeErr(outcome, msgLoanNotFound, msgLoanNoChange); err != nil {
			return err
		}
		pending, err = a.settleBook(ctx, tx, loan.BookID)
		return err
	})
	if err != nil {
		return err
	}
	a.send(ctx, pending)
	return nil
}

// ExtendLoan pushes the due date back by one loan interval. A loan can be
// extended once.
func (a *App) ExtendLoan(ctx context.Context, loanID int64) (time.Time, error) {
	loan, err := a.GetLoan(ctx, loanID)
	if err != nil {
		return time.Time{}, err
	}
	var due time.Time
	err = a.withBook(ctx, loan.BookID, func(tx store.Store) error {
		current, ok, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return fmt.Errorf("fetch loan: %w", err)
		}
		if !ok {
			return NotFound(msgLoanNotFound, nil)
		}
		if current.Extended {
			return Conflict("Loan extension is not allowed as it has already been extended.", nil)
		}
		due = current.ReturnDate.AddDate(0, 0, a.policy.ReturnIntervalDays)
		outcome, err := tx.UpdateLoan(ctx, loanID, store.LoanPatch{ReturnDate: &due, Extended: ptr(true)})
		if err != nil {
			return storeErr(err, "extend loan", msgLoanNoChange)
		}
		return outcomeErr(outcome, msgLoanNotFound, msgLoanNoChange)
	})
	if err != nil {
		return time.Time{}, err
	}
	return due, nil
}

// DeleteLoan removes the loan row without touching the book.
func (a *App) DeleteLoan(ctx context.Context, loanID int64) error {
	deleted, err := a.store.DeleteLoan(ctx, loanID)
	if err != nil {
		return storeErr(err, "delete loan", "")
	}
	if !deleted {
		return NotFound(msgLoanNotFound, nil)
	}
	return nil
}

func (a *App) ListLoans(ctx context.Context) ([]domain.Loan, error) {
	loans, err := a.store.ListLoans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list loans: %w", err)
	}
	return loans, nil
}

func (a *App) GetLoan(ctx context.Context, loanID int64) (domain.Loan, error) {
	loan, ok, err := a.store.GetLoan(ctx, loanID)
	if err != nil {
		return domain.Loan{}, fmt.Errorf("fetch loan: %w", err)
	}
	if !ok {
		return domain.Loan{}, NotFound(msgLoanNotFound, nil)
	}
	return loan, nil
}

// ListUserLoans returns a user's loans. An empty result is NotFound.
func (a *App) ListUserLoans(ctx context.Context, userID int64, filter store.LoanFilter) ([]domain.Loan, error) {
	loans, err := a.store.ListUserLoans(ctx, userID, filter)
	if err != nil {
		return nil, fmt.Errorf("list user loans: %w", err)
	}
	if len(loans) == 0 {
		return nil, NotFound("Loans not found, check the id and try again", nil)
	}
	return loans, nil
}

func (a *App) requireUser(ctx context.Context, userID int64) error {
	_, ok, err := a.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return NotFound(msgUserNotFound, nil)
	}
	return nil
}
