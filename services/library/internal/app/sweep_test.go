package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"atlaslibrary/pkg/domain"
	"atlaslibrary/pkg/store"
)

const day = 24 * time.Hour

func TestSweepFinesOverdueLoanOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.user(t, "alice")
	book := f.book(t, "Overdue")
	loan, _ := f.app.CreateLoan(ctx, book.ID, alice.ID)

	f.advance(8 * day)
	run, err := f.app.RunSweep(ctx, "test")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(run.FinedLoanIDs) != 1 || run.FinedLoanIDs[0] != loan.ID || run.NotificationsSent != 1 {
		t.Fatalf("unexpected run: %+v", run)
	}
	fines, _ := f.app.ListFines(ctx)
	if len(fines) != 1 {
		t.Fatalf("expected one fine, got %d", len(fines))
	}
	fine := fines[0]
	if !fine.Amount.Equal(DefaultPolicy().FineAmount) || !fine.DueDate.Equal(f.now.AddDate(0, 0, 7)) || fine.Paid {
		t.Fatalf("unexpected fine: %+v", fine)
	}
	sent := f.mail.messages()
	if len(sent) != 1 || sent[0].To != alice.Email || sent[0].Subject != "Overdue Book 📕" {
		t.Fatalf("expected overdue email, got %+v", sent)
	}

	f.advance(2 * day)
	again, err := f.app.RunSweep(ctx, "test")
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(again.FinedLoanIDs) != 0 {
		t.Fatalf("second sweep must not fine again: %+v", again)
	}
	if fines, _ := f.app.ListFines(ctx); len(fines) != 1 {
		t.Fatalf("expected still one fine, got %d", len(fines))
	}

	if err := f.app.PayFine(ctx, fine.ID, Payment{Paid: true, LoanID: loan.ID}); err != nil {
		t.Fatalf("pay fine: %v", err)
	}
	closed, _ := f.app.GetLoan(ctx, loan.ID)
	if !closed.Returned {
		t.Fatalf("paying the fine must close the loan")
	}
	paid, _ := f.app.GetFine(ctx, fine.ID)
	if !paid.Paid || paid.PaymentDate == nil || !paid.PaymentDate.Equal(f.now) {
		t.Fatalf("unexpected paid fine: %+v", paid)
	}
	if b := f.bookState(t, book.ID); b.Status != domain.BookAvailable {
		t.Fatalf("expected available, got %s", b.Status)
	}
	runs, _ := f.app.ListSweepRuns(ctx, 10)
	if len(runs) != 2 || runs[0].ID < runs[1].ID {
		t.Fatalf("expected two runs newest first, got %+v", runs)
	}
}

func TestPayFineHandsBookToReservation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	book := f.book(t, "Wanted")
	loan, _ := f.app.CreateLoan(ctx, book.ID, alice.ID)
	if _, err := f.app.CreateReservation(ctx, book.ID, bob.ID); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	f.advance(8 * day)
	if _, err := f.app.RunSweep(ctx, "test"); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	fines, _ := f.app.ListFines(ctx)
	if len(fines) != 1 {
		t.Fatalf("expected one fine, got %d", len(fines))
	}

	expectKind(t, f.app.PayFine(ctx, fines[0].ID, Payment{Paid: true, LoanID: loan.ID + 999}), KindBadRequest)
	expectKind(t, f.app.PayFine(ctx, fines[0].ID+999, Payment{Paid: true, LoanID: loan.ID}), KindNotFound)

	if err := f.app.PayFine(ctx, fines[0].ID, Payment{Paid: true, LoanID: loan.ID}); err != nil {
		t.Fatalf("pay: %v", err)
	}
	if b := f.bookState(t, book.ID); b.Status != domain.BookReserved {
		t.Fatalf("expected reserved, got %s", b.Status)
	}
	sent := f.mail.messages()
	last := sent[len(sent)-1]
	if last.To != bob.Email || last.Subject != "Reservation Book 📗" {
		t.Fatalf("expected reservation email to bob, got %+v", last)
	}
	expectKind(t, f.app.PayFine(ctx, fines[0].ID, Payment{Paid: true, LoanID: loan.ID}), KindConflict)
}

func TestSweepExpiresReservationsPerUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	first, second := f.book(t, "Dune"), f.book(t, "Emma")
	var loans []domain.Loan
	for _, b := range []domain.Book{first, second} {
		l, err := f.app.CreateLoan(ctx, b.ID, alice.ID)
		if err != nil {
			t.Fatalf("loan: %v", err)
		}
		loans = append(loans, l)
		if _, err := f.app.CreateReservation(ctx, b.ID, bob.ID); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	for _, l := range loans {
		if err := f.app.ReturnLoan(ctx, l.ID, true); err != nil {
			t.Fatalf("return: %v", err)
		}
	}

	f.advance(day)
	run, _ := f.app.RunSweep(ctx, "test")
	if len(run.ExpiredReservationIDs) != 0 {
		t.Fatalf("pickup window still open, got %+v", run)
	}

	f.advance(2 * day)
	mailBefore := len(f.mail.messages())
	run, err := f.app.RunSweep(ctx, "test")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(run.ExpiredReservationIDs) != 2 || run.NotificationsSent != 1 {
		t.Fatalf("unexpected run: %+v", run)
	}
	for _, b := range []domain.Book{first, second} {
		if got := f.bookState(t, b.ID); got.Status != domain.BookAvailable {
			t.Fatalf("book %s: expected available, got %s", b.Title, got.Status)
		}
	}
	sent := f.mail.messages()[mailBefore:]
	if len(sent) != 1 || sent[0].To != bob.Email || !strings.HasSuffix(sent[0].Text, "Books: Dune, Emma") {
		t.Fatalf("expected one consolidated email, got %+v", sent)
	}
	if _, err := f.app.ListUserReservations(ctx, bob.ID); err != nil {
		t.Fatalf("reservations kept as history: %v", err)
	}
	if res, _ := f.app.ListReservations(ctx); res[0].Active || res[1].Active {
		t.Fatalf("expected reservations deactivated, got %+v", res)
	}
}

func TestSweepSkipsReservationWhenBookNoLongerHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	book := f.book(t, "Dune")
	loan, _ := f.app.CreateLoan(ctx, book.ID, alice.ID)
	res, _ := f.app.CreateReservation(ctx, book.ID, bob.ID)
	_ = f.app.ReturnLoan(ctx, loan.ID, true)
	// An administrator lends it elsewhere by hand.
	if _, err := f.store.UpdateBook(ctx, book.ID, store.BookPatch{Status: ptr(domain.BookBorrowed)}); err != nil {
		t.Fatalf("update book: %v", err)
	}

	f.advance(5 * day)
	run, _ := f.app.RunSweep(ctx, "test")
	if len(run.ExpiredReservationIDs) != 0 {
		t.Fatalf("expected no expiry, got %+v", run)
	}
	if got, _ := f.app.GetReservation(ctx, res.ID); !got.Active {
		t.Fatalf("reservation must stay active")
	}
}

type failingReservationsStore struct {
	*store.MemoryStore
}

func (failingReservationsStore) ListExpiredReservations(context.Context, time.Time) ([]domain.Reservation, error) {
	return nil, errors.New("connection reset")
}

func TestSweepPhasesAreIsolated(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixtureWithStore(t, failingReservationsStore{mem})
	f.store = mem
	ctx := context.Background()
	alice := f.user(t, "alice")
	book := f.book(t, "Late")
	if _, err := f.app.CreateLoan(ctx, book.ID, alice.ID); err != nil {
		t.Fatalf("loan: %v", err)
	}
	f.advance(10 * day)

	run, err := f.app.RunSweep(ctx, "test")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(run.Errors) != 1 || !strings.HasPrefix(run.Errors[0], "reservations:") {
		t.Fatalf("expected reservation phase error, got %+v", run.Errors)
	}
	if len(run.FinedLoanIDs) != 1 {
		t.Fatalf("loan phase must still run, got %+v", run)
	}
}
