package app

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"atlaslibrary/pkg/domain"
	"atlaslibrary/pkg/notify"
	"atlaslibrary/pkg/store"
)

const (
	msgFineNotFound = "Fine not found, check id and try again"
	msgFineNoChange = "Fine found, but info for updated has duplicate"
)

// CreateFine charges the configured amount for loanID, payable within one
// loan interval from now.
func (a *App) CreateFine(ctx context.Context, userID, bookID, loanID int64) (domain.Fine, error) {
	if err := a.requireUser(ctx, userID); err != nil {
		return domain.Fine{}, err
	}
	if _, ok, err := a.store.GetBook(ctx, bookID); err != nil {
		return domain.Fine{}, fmt.Errorf("fetch book: %w", err)
	} else if !ok {
		return domain.Fine{}, NotFound(msgBookNotFound, nil)
	}
	if _, err := a.GetLoan(ctx, loanID); err != nil {
		return domain.Fine{}, err
	}
	return a.newFine(ctx, a.store, userID, bookID, loanID)
}

func (a *App) newFine(ctx context.Context, st store.Store, userID, bookID, loanID int64) (domain.Fine, error) {
	fine, err := st.CreateFine(ctx, domain.Fine{
		UserID:  userID,
		BookID:  bookID,
		LoanID:  loanID,
		Amount:  a.policy.FineAmount,
		DueDate: a.now().AddDate(0, 0, a.policy.ReturnIntervalDays),
	})
	if err != nil {
		return domain.Fine{}, storeErr(err, "create fine", "Fine already exists")
	}
	return fine, nil
}

// Payment is the body of a fine settlement.
type Payment struct {
	Paid        bool
	PaymentDate *time.Time
	LoanID      int64
}

// PayFine settles a fine and closes its loan the same way a return does.
// p.LoanID must name the loan the fine was charged for.
func (a *App) PayFine(ctx context.Context, fineID int64, p Payment) error {
	fine, err := a.GetFine(ctx, fineID)
	if err != nil {
		return err
	}
	if fine.LoanID != p.LoanID {
		return BadRequest("Fine does not belong to this loan", map[string]any{"loanId": fine.LoanID})
	}
	loan, err := a.GetLoan(ctx, p.LoanID)
	if err != nil {
		return err
	}
	paidAt := p.PaymentDate
	if paidAt == nil && p.Paid {
		paidAt = ptr(a.now())
	}
	var pending *notify.Email
	err = a.withBook(ctx, loan.BookID, func(tx store.Store) error {
		outcome, err := tx.UpdateFine(ctx, fineID, store.FinePatch{Paid: &p.Paid, PaymentDate: paidAt})
		if err != nil {
			return storeErr(err, "pay fine", msgFineNoChange)
		}
		if err := outcomeErr(outcome, msgFineNotFound, msgFineNoChange); err != nil {
			return err
		}
		if !p.Paid {
			return nil
		}
		current, ok, err := tx.GetLoan(ctx, loan.ID)
		if err != nil {
			return fmt.Errorf("fetch loan: %w", err)
		}
		if !ok || current.Returned {
			return nil
		}
		if _, err := tx.UpdateLoan(ctx, loan.ID, store.LoanPatch{Returned: ptr(true)}); err != nil {
			return storeErr(err, "close loan", msgLoanNoChange)
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

func (a *App) DeleteFine(ctx context.Context, fineID int64) error {
	deleted, err := a.store.DeleteFine(ctx, fineID)
	if err != nil {
		return storeErr(err, "delete fine", "")
	}
	if !deleted {
		return NotFound(msgFineNotFound, nil)
	}
	return nil
}

func (a *App) ListFines(ctx context.Context) ([]domain.Fine, error) {
	out, err := a.store.ListFines(ctx)
	if err != nil {
		return nil, fmt.Errorf("list fines: %w", err)
	}
	return out, nil
}

func (a *App) GetFine(ctx context.Context, fineID int64) (domain.Fine, error) {
	fine, ok, err := a.store.GetFine(ctx, fineID)
	if err != nil {
		return domain.Fine{}, fmt.Errorf("fetch fine: %w", err)
	}
	if !ok {
		return domain.Fine{}, NotFound(msgFineNotFound, nil)
	}
	return fine, nil
}

// ListUserFines returns a user's fines narrowed by filters. Only paid,
// dueDate and bookId are accepted; an empty result is NotFound.
func (a *App) ListUserFines(ctx context.Context, userID int64, filters map[string]string) ([]domain.Fine, error) {
	filter, err := parseFineFilter(filters)
	if err != nil {
		return nil, err
	}
	out, err := a.store.ListUserFines(ctx, userID, filter)
	if err != nil {
		return nil, fmt.Errorf("list user fines: %w", err)
	}
	if len(out) == 0 {
		return nil, NotFound("Fines not found, check id and try again", nil)
	}
	return out, nil
}

func parseFineFilter(filters map[string]string) (store.FineFilter, error) {
	var f store.FineFilter
	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		raw := strings.TrimSpace(filters[key])
		switch key {
		case "paid":
			v, err := strconv.ParseBool(raw)
			if err != nil {
				return f, BadRequest("Field 'paid' must be a boolean", map[string]any{"value": raw})
			}
			f.Paid = &v
		case "dueDate":
			v, err := parseDay(raw)
			if err != nil {
				return f, BadRequest("Field 'dueDate' must be a date", map[string]any{"value": raw})
			}
			f.DueOn = &v
		case "bookId":
			v, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || v <= 0 {
				return f, BadRequest("Field 'bookId' must be a positive number", map[string]any{"value": raw})
			}
			f.BookID = &v
		default:
			return f, BadRequest(fmt.Sprintf("Field '%s' is not allowed", key), map[string]any{"allowed": []string{"paid", "dueDate", "bookId"}})
		}
	}
	return f, nil
}

// parseDay accepts a bare date or an RFC 3339 timestamp.
func parseDay(raw string) (time.Time, error) {
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}
