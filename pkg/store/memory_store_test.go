package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"atlaslibrary/pkg/domain"
)

func ptr[T any](v T) *T { return &v }

func TestMemoryStoreUpdateOutcomes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	book, err := s.CreateBook(ctx, domain.Book{Title: "Dune", Available: true, Status: domain.BookAvailable})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}

	cases := []struct {
		name  string
		id    int64
		patch BookPatch
		want  UpdateOutcome
	}{
		{"missing row", book.ID + 100, BookPatch{Title: ptr("x")}, OutcomeNotFound},
		{"same value", book.ID, BookPatch{Title: ptr("Dune")}, OutcomeNoOp},
		{"empty patch", book.ID, BookPatch{}, OutcomeNoOp},
		{"new value", book.ID, BookPatch{Title: ptr("Dune Messiah")}, OutcomeUpdated},
		{"status change", book.ID, BookPatch{Status: ptr(domain.BookBorrowed)}, OutcomeUpdated},
		{"status repeat", book.ID, BookPatch{Status: ptr(domain.BookBorrowed)}, OutcomeNoOp},
	}
	for _, tc := range cases {
		got, err := s.UpdateBook(ctx, tc.id, tc.patch)
		if err != nil {
			t.Fatalf("%s: update: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}

	stored, _, _ := s.GetBook(ctx, book.ID)
	if stored.Available || stored.Status != domain.BookBorrowed {
		t.Fatalf("expected borrowed and unavailable, got %+v", stored)
	}
}

func TestMemoryStoreRejectsSecondOpenLoan(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	first, err := s.CreateLoan(ctx, domain.Loan{BookID: 1, UserID: 2, LoanDate: now, ReturnDate: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if _, err := s.CreateLoan(ctx, domain.Loan{BookID: 1, UserID: 2, LoanDate: now, ReturnDate: now}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if _, err := s.UpdateLoan(ctx, first.ID, LoanPatch{Returned: ptr(true)}); err != nil {
		t.Fatalf("return loan: %v", err)
	}
	if _, err := s.CreateLoan(ctx, domain.Loan{BookID: 1, UserID: 2, LoanDate: now, ReturnDate: now}); err != nil {
		t.Fatalf("expected new loan after return, got %v", err)
	}
	if _, err := s.UpdateLoan(ctx, first.ID, LoanPatch{Returned: ptr(false)}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected reopening to collide, got %v", err)
	}
}

func TestMemoryStoreRejectsSecondActiveReservation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now().UTC()
	first, err := s.CreateReservation(ctx, domain.Reservation{BookID: 7, UserID: 1, ReservationDate: now, Active: true})
	if err != nil {
		t.Fatalf("create reservation: %v", err)
	}
	if _, err := s.CreateReservation(ctx, domain.Reservation{BookID: 7, UserID: 2, ReservationDate: now, Active: true}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	inactive, err := s.CreateReservation(ctx, domain.Reservation{BookID: 7, UserID: 3, ReservationDate: now})
	if err != nil {
		t.Fatalf("inactive reservation should be accepted: %v", err)
	}
	if _, err := s.UpdateReservation(ctx, inactive.ID, ReservationPatch{Active: ptr(true)}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected activation to collide, got %v", err)
	}
	if _, err := s.UpdateReservation(ctx, first.ID, ReservationPatch{Active: ptr(false)}); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if got, err := s.UpdateReservation(ctx, inactive.ID, ReservationPatch{Active: ptr(true)}); err != nil || got != OutcomeUpdated {
		t.Fatalf("expected activation after release, got %s %v", got, err)
	}
}

func TestMemoryStoreFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	day := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	mustFine := func(f domain.Fine) {
		t.Helper()
		if _, err := s.CreateFine(ctx, f); err != nil {
			t.Fatalf("create fine: %v", err)
		}
	}
	mustFine(domain.Fine{UserID: 1, BookID: 10, LoanID: 1, DueDate: day})
	mustFine(domain.Fine{UserID: 1, BookID: 11, LoanID: 2, DueDate: day.AddDate(0, 0, 1), Paid: true})
	mustFine(domain.Fine{UserID: 2, BookID: 10, LoanID: 3, DueDate: day})

	cases := []struct {
		name   string
		filter FineFilter
		want   int
	}{
		{"all", FineFilter{}, 2},
		{"paid", FineFilter{Paid: ptr(true)}, 1},
		{"unpaid book", FineFilter{Paid: ptr(false), BookID: ptr(int64(10))}, 1},
		{"due day", FineFilter{DueOn: ptr(time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC))}, 1},
		{"no match", FineFilter{BookID: ptr(int64(99))}, 0},
	}
	for _, tc := range cases {
		got, err := s.ListUserFines(ctx, 1, tc.filter)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(got) != tc.want {
			t.Fatalf("%s: got %d fines want %d", tc.name, len(got), tc.want)
		}
	}
}

func TestMemoryStoreExpiredReservations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	old := now.AddDate(0, 0, -5)
	recent := now.AddDate(0, 0, -1)
	for i, r := range []domain.Reservation{
		{BookID: 1, UserID: 1, Active: true, ExpirationDate: &old},
		{BookID: 2, UserID: 1, Active: true, ExpirationDate: &recent},
		{BookID: 3, UserID: 1, Active: true},
		{BookID: 4, UserID: 1, Active: false, ExpirationDate: &old},
	} {
		if _, err := s.CreateReservation(ctx, r); err != nil {
			t.Fatalf("create reservation %d: %v", i, err)
		}
	}
	got, err := s.ListExpiredReservations(ctx, now.AddDate(0, 0, -2))
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(got) != 1 || got[0].BookID != 1 {
		t.Fatalf("expected only book 1 reservation, got %+v", got)
	}
}

func TestMemoryStoreDeleteReferencedBook(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	book, _ := s.CreateBook(ctx, domain.Book{Title: "Emma", Available: true, Status: domain.BookAvailable})
	if _, err := s.CreateReservation(ctx, domain.Reservation{BookID: book.ID, UserID: 1, Active: true}); err != nil {
		t.Fatalf("create reservation: %v", err)
	}
	if _, err := s.DeleteBook(ctx, book.ID); !errors.Is(err, ErrReferenced) {
		t.Fatalf("expected referenced error, got %v", err)
	}
	deleted, err := s.DeleteBook(ctx, book.ID+1000)
	if err != nil || deleted {
		t.Fatalf("expected missing delete to report false, got %v %v", deleted, err)
	}
}

func TestMemoryStoreTransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	book, _ := s.CreateBook(ctx, domain.Book{Title: "Emma", Available: true, Status: domain.BookAvailable})
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Store) error {
		if _, err := tx.CreateLoan(ctx, domain.Loan{BookID: book.ID, UserID: 1}); err != nil {
			return err
		}
		if _, err := tx.UpdateBook(ctx, book.ID, BookPatch{Status: ptr(domain.BookBorrowed)}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error back, got %v", err)
	}
	if loans, _ := s.ListLoans(ctx); len(loans) != 0 {
		t.Fatalf("rolled back loan still stored: %+v", loans)
	}
	if got, _, _ := s.GetBook(ctx, book.ID); got.Status != domain.BookAvailable {
		t.Fatalf("rolled back status still stored: %+v", got)
	}

	err = s.InTx(ctx, func(tx Store) error {
		_, err := tx.UpdateBook(ctx, book.ID, BookPatch{Status: ptr(domain.BookBorrowed)})
		return err
	})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got, _, _ := s.GetBook(ctx, book.ID); got.Status != domain.BookBorrowed {
		t.Fatalf("committed status lost: %+v", got)
	}
}

func TestMemoryStoreUpdateUser(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	ana, _ := s.CreateUser(ctx, domain.User{Name: "ana", Email: "ana@example.com", Role: domain.RoleUser})
	if _, err := s.CreateUser(ctx, domain.User{Name: "bia", Email: "bia@example.com", Role: domain.RoleUser}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	if _, err := s.UpdateUser(ctx, ana.ID, UserPatch{Email: ptr("BIA@example.com")}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate email, got %v", err)
	}
	if got, _ := s.UpdateUser(ctx, ana.ID+100, UserPatch{Name: ptr("x")}); got != OutcomeNotFound {
		t.Fatalf("expected not found, got %s", got)
	}
	if got, _ := s.UpdateUser(ctx, ana.ID, UserPatch{Name: ptr("ana")}); got != OutcomeNoOp {
		t.Fatalf("expected no-op, got %s", got)
	}
	if got, _ := s.UpdateUser(ctx, ana.ID, UserPatch{Name: ptr("Ana Lima"), Role: ptr(domain.RoleSubAdmin)}); got != OutcomeUpdated {
		t.Fatalf("expected updated, got %s", got)
	}
	stored, _, _ := s.GetUser(ctx, ana.ID)
	if stored.Name != "Ana Lima" || stored.Role != domain.RoleSubAdmin {
		t.Fatalf("patch not applied: %+v", stored)
	}
}
