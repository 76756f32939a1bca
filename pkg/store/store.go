package store

import (
	"context"
	"errors"
	"time"

	"atlaslibrary/pkg/domain"
)

var (
	// ErrDuplicate is returned when a write would violate a uniqueness rule:
	// duplicate email/name, a second unreturned loan for the same user and
	// book, or a second active reservation for the same book.
	ErrDuplicate = errors.New("store: duplicate record")
	// ErrReferenced is returned when deleting a row other rows still point at.
	ErrReferenced = errors.New("store: record is referenced")
)

// UpdateOutcome tells a caller what a patch did to the stored row.
type UpdateOutcome int

const (
	// OutcomeNotFound means no row matched the id.
	OutcomeNotFound UpdateOutcome = iota
	// OutcomeNoOp means the row matched but every patched field already held the value.
	OutcomeNoOp
	// OutcomeUpdated means at least one column changed.
	OutcomeUpdated
)

func (o UpdateOutcome) String() string {
	switch o {
	case OutcomeNotFound:
		return "not_found"
	case OutcomeNoOp:
		return "no_op"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// BookPatch changes a subset of book columns. Status also drives Available.
type BookPatch struct {
	Title           *string
	PublicationYear *int
	Rating          *float64
	Quantity        *int
	Description     *string
	AuthorID        *int64
	CategoryID      *int64
	Status          *domain.BookStatus
}

// UserPatch changes account fields. PasswordHash must already be hashed.
type UserPatch struct {
	Name         *string
	WhatsApp     *bool
	Number       *string
	Email        *string
	PasswordHash *string
	Role         *domain.UserRole
}

type LoanPatch struct {
	ReturnDate *time.Time
	Returned   *bool
	Extended   *bool
}

type ReservationPatch struct {
	BookID         *int64
	UserID         *int64
	Active         *bool
	ExpirationDate *time.Time
}

type FinePatch struct {
	Paid        *bool
	PaymentDate *time.Time
}

// LoanFilter narrows a user's loans. LoanedOn matches the UTC calendar day of loan_date.
type LoanFilter struct {
	Returned *bool
	LoanedOn *time.Time
}

// FineFilter narrows a user's fines. DueOn matches the UTC calendar day of due_date.
type FineFilter struct {
	Paid   *bool
	DueOn  *time.Time
	BookID *int64
}

// Store defines persistence for the catalog and the circulation records.
type Store interface {
	// InTx runs fn against a store whose writes commit together when fn
	// returns nil and are rolled back otherwise. fn must use tx, not the
	// receiver, and must not call InTx again.
	InTx(ctx context.Context, fn func(tx Store) error) error

	// users
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUser(ctx context.Context, id int64) (domain.User, bool, error)
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	ListUsers(ctx context.Context) ([]domain.User, error)
	UpdateUser(ctx context.Context, id int64, patch UserPatch) (UpdateOutcome, error)
	DeleteUser(ctx context.Context, id int64) (bool, error)

	// authors
	CreateAuthor(ctx context.Context, a domain.Author) (domain.Author, error)
	GetAuthor(ctx context.Context, id int64) (domain.Author, bool, error)
	ListAuthors(ctx context.Context) ([]domain.Author, error)
	RenameAuthor(ctx context.Context, id int64, name string) (UpdateOutcome, error)
	DeleteAuthor(ctx context.Context, id int64) (bool, error)

	// categories
	CreateCategory(ctx context.Context, c domain.Category) (domain.Category, error)
	GetCategory(ctx context.Context, id int64) (domain.Category, bool, error)
	ListCategories(ctx context.Context) ([]domain.Category, error)
	RenameCategory(ctx context.Context, id int64, name string) (UpdateOutcome, error)
	DeleteCategory(ctx context.Context, id int64) (bool, error)

	// books
	CreateBook(ctx context.Context, b domain.Book) (domain.Book, error)
	GetBook(ctx context.Context, id int64) (domain.Book, bool, error)
	ListBooks(ctx context.Context) ([]domain.Book, error)
	UpdateBook(ctx context.Context, id int64, patch BookPatch) (UpdateOutcome, error)
	DeleteBook(ctx context.Context, id int64) (bool, error)

	// loans
	CreateLoan(ctx context.Context, l domain.Loan) (domain.Loan, error)
	GetLoan(ctx context.Context, id int64) (domain.Loan, bool, error)
	ListLoans(ctx context.Context) ([]domain.Loan, error)
	ListUserLoans(ctx context.Context, userID int64, filter LoanFilter) ([]domain.Loan, error)
	ListOverdueLoans(ctx context.Context, now time.Time) ([]domain.Loan, error)
	UpdateLoan(ctx context.Context, id int64, patch LoanPatch) (UpdateOutcome, error)
	DeleteLoan(ctx context.Context, id int64) (bool, error)

	// reservations
	CreateReservation(ctx context.Context, r domain.Reservation) (domain.Reservation, error)
	GetReservation(ctx context.Context, id int64) (domain.Reservation, bool, error)
	ListReservations(ctx context.Context) ([]domain.Reservation, error)
	ListUserReservations(ctx context.Context, userID int64) ([]domain.Reservation, error)
	ActiveReservationForBook(ctx context.Context, bookID int64) (domain.Reservation, bool, error)
	ActiveReservationForUser(ctx context.Context, userID, bookID int64) (domain.Reservation, bool, error)
	// ListExpiredReservations returns active reservations whose pickup window
	// started before cutoff.
	ListExpiredReservations(ctx context.Context, cutoff time.Time) ([]domain.Reservation, error)
	UpdateReservation(ctx context.Context, id int64, patch ReservationPatch) (UpdateOutcome, error)
	DeleteReservation(ctx context.Context, id int64) (bool, error)

	// fines
	CreateFine(ctx context.Context, f domain.Fine) (domain.Fine, error)
	GetFine(ctx context.Context, id int64) (domain.Fine, bool, error)
	ListFines(ctx context.Context) ([]domain.Fine, error)
	ListUserFines(ctx context.Context, userID int64, filter FineFilter) ([]domain.Fine, error)
	UpdateFine(ctx context.Context, id int64, patch FinePatch) (UpdateOutcome, error)
	DeleteFine(ctx context.Context, id int64) (bool, error)

	// sweep runs
	SaveSweepRun(ctx context.Context, run domain.SweepRun) (domain.SweepRun, error)
	ListSweepRuns(ctx context.Context, limit int) ([]domain.SweepRun, error)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func dayBounds(t time.Time) (time.Time, time.Time) {
	y, m, d := t.UTC().Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}
