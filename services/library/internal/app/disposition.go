package app

import (
	"context"
	"fmt"

	"atlaslibrary/pkg/domain"
	"atlaslibrary/pkg/notify"
	"atlaslibrary/pkg/store"
)

// settleBook decides where a book goes once its loan is closed, either by a
// return or by paying the fine. A waiting reservation gets the book held for
// it and its pickup window starts; otherwise the book becomes available.
// The returned email, if any, must be sent after the book lock is released.
// Callers hold the book lock and pass its transaction.
func (a *App) settleBook(ctx context.Context, tx store.Store, bookID int64) (*notify.Email, error) {
	res, ok, err := tx.ActiveReservationForBook(ctx, bookID)
	if err != nil {
		return nil, fmt.Errorf("check reservation: %w", err)
	}
	if !ok {
		if _, err := tx.UpdateBook(ctx, bookID, store.BookPatch{Status: ptr(domain.BookAvailable)}); err != nil {
			return nil, fmt.Errorf("release book: %w", err)
		}
		return nil, nil
	}
	return a.fulfilReservation(ctx, tx, res)
}

// fulfilReservation holds the book for res and stamps the start of the
// pickup window. The reservation stays active until borrowed or expired.
func (a *App) fulfilReservation(ctx context.Context, tx store.Store, res domain.Reservation) (*notify.Email, error) {
	if _, err := tx.UpdateBook(ctx, res.BookID, store.BookPatch{Status: ptr(domain.BookReserved)}); err != nil {
		return nil, fmt.Errorf("hold book: %w", err)
	}
	if _, err := tx.UpdateReservation(ctx, res.ID, store.ReservationPatch{ExpirationDate: ptr(a.now())}); err != nil {
		return nil, fmt.Errorf("start reservation window: %w", err)
	}
	holder, ok, err := tx.GetUser(ctx, res.UserID)
	if err != nil {
		return nil, fmt.Errorf("fetch reservation holder: %w", err)
	}
	if !ok {
		return nil, nil
	}
	msg := notify.ReservationReadyEmail(holder.Email)
	return &msg, nil
}
