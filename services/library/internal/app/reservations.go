package app

import (
	"context"
	"fmt"

	"atlaslibrary/pkg/domain"
	"atlaslibrary/pkg/notify"
	"atlaslibrary/pkg/store"
)

const (
	msgReservationNotFound = "Reservation not found, check the id and try again"
	msgReservationExists   = "Reservation already exists"
	msgReservationNoChange = "Reservation found, but info for updated has duplicate"
)

// CreateReservation queues userID for bookID. Only books that are out can be
// reserved, each book carries at most one active reservation, and a user
// cannot reserve a book they are holding.
func (a *App) CreateReservation(ctx context.Context, bookID, userID int64) (domain.Reservation, error) {
	if err := a.requireUser(ctx, userID); err != nil {
		return domain.Reservation{}, err
	}
	var res domain.Reservation
	err := a.withBook(ctx, bookID, func(tx store.Store) error {
		book, ok, err := tx.GetBook(ctx, bookID)
		if err != nil {
			return fmt.Errorf("fetch book: %w", err)
		}
		if !ok {
			return NotFound(msgBookNotFound, nil)
		}
		if book.Available {
			return Conflict(fmt.Sprintf("Book unavailable for reservation, status: %s", book.Status), map[string]any{"status": book.Status})
		}
		if _, exists, err := tx.ActiveReservationForBook(ctx, bookID); err != nil {
			return fmt.Errorf("fetch reservation: %w", err)
		} else if exists {
			return Conflict(msgReservationExists, nil)
		}
		open, err := hasOpenLoan(ctx, tx, userID, bookID)
		if err != nil {
			return err
		}
		if open {
			return Conflict("User already has this book on loan", nil)
		}
		res, err = tx.CreateReservation(ctx, domain.Reservation{
			BookID:          bookID,
			UserID:          userID,
			ReservationDate: a.now(),
			Active:          true,
		})
		return storeErr(err, "create reservation", msgReservationExists)
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

// UpdateReservation applies patch. Matching a row without changing it is a
// Conflict. When the change takes an active reservation off a book that was
// held for it, the book is settled again.
func (a *App) UpdateReservation(ctx context.Context, id int64, patch store.ReservationPatch) error {
	current, err := a.GetReservation(ctx, id)
	if err != nil {
		return err
	}
	if patch.BookID != nil {
		if _, ok, err := a.store.GetBook(ctx, *patch.BookID); err != nil {
			return fmt.Errorf("fetch book: %w", err)
		} else if !ok {
			return NotFound(msgBookNotFound, nil)
		}
	}
	if patch.UserID != nil {
		if err := a.requireUser(ctx, *patch.UserID); err != nil {
			return err
		}
	}
	var pending *notify.Email
	err = a.withBook(ctx, current.BookID, func(tx store.Store) error {
		before, ok, err := tx.GetReservation(ctx, id)
		if err != nil {
			return fmt.Errorf("fetch reservation: %w", err)
		}
		if !ok {
			return NotFound(msgReservationNotFound, nil)
		}
		outcome, err := tx.UpdateReservation(ctx, id, patch)
		if err != nil {
			return storeErr(err, "update reservation", msgReservationExists)
		}
		if err := outcomeErr(outcome, msgReservationNotFound, msgReservationNoChange); err != nil {
			return err
		}
		updated, ok, err := tx.GetReservation(ctx, id)
		if err != nil {
			return fmt.Errorf("fetch reservation: %w", err)
		}
		if !ok || !before.Active || (updated.Active && updated.BookID == before.BookID) {
			return nil
		}
		pending, err = a.releaseHold(ctx, tx, before.BookID)
		return err
	})
	if err != nil {
		return err
	}
	a.send(ctx, pending)
	return nil
}

// DeleteReservation removes a reservation. Deleting the one a book is held
// for settles the book again.
func (a *App) DeleteReservation(ctx context.Context, id int64) error {
	current, err := a.GetReservation(ctx, id)
	if err != nil {
		return err
	}
	var pending *notify.Email
	err = a.withBook(ctx, current.BookID, func(tx store.Store) error {
		res, ok, err := tx.GetReservation(ctx, id)
		if err != nil {
			return fmt.Errorf("fetch reservation: %w", err)
		}
		if !ok {
			return NotFound(msgReservationNotFound, nil)
		}
		deleted, err := tx.DeleteReservation(ctx, id)
		if err != nil {
			return storeErr(err, "delete reservation", "")
		}
		if !deleted {
			return NotFound(msgReservationNotFound, nil)
		}
		if !res.Active {
			return nil
		}
		pending, err = a.releaseHold(ctx, tx, res.BookID)
		return err
	})
	if err != nil {
		return err
	}
	a.send(ctx, pending)
	return nil
}

// releaseHold settles bookID when it is still held for a reservation that
// was just withdrawn. A book that is out on loan is left alone.
func (a *App) releaseHold(ctx context.Context, tx store.Store, bookID int64) (*notify.Email, error) {
	book, ok, err := tx.GetBook(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("fetch book: %w", err)
	}
	if !ok || book.Status != domain.BookReserved {
		return nil, nil
	}
	return a.settleBook(ctx, tx, bookID)
}

func (a *App) ListReservations(ctx context.Context) ([]domain.Reservation, error) {
	out, err := a.store.ListReservations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	return out, nil
}

func (a *App) GetReservation(ctx context.Context, id int64) (domain.Reservation, error) {
	res, ok, err := a.store.GetReservation(ctx, id)
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("fetch reservation: %w", err)
	}
	if !ok {
		return domain.Reservation{}, NotFound(msgReservationNotFound, nil)
	}
	return res, nil
}

// ListUserReservations returns a user's reservations. An empty result is NotFound.
func (a *App) ListUserReservations(ctx context.Context, userID int64) ([]domain.Reservation, error) {
	out, err := a.store.ListUserReservations(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list user reservations: %w", err)
	}
	if len(out) == 0 {
		return nil, NotFound("Reservations not found, check the id and try again", nil)
	}
	return out, nil
}
