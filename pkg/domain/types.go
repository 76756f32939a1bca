package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type BookStatus string

const (
	BookAvailable BookStatus = "available"
	BookBorrowed  BookStatus = "borrowed"
	BookReserved  BookStatus = "reserved"
)

// Valid reports whether s is one of the known book states.
func (s BookStatus) Valid() bool {
	switch s {
	case BookAvailable, BookBorrowed, BookReserved:
		return true
	default:
		return false
	}
}

type UserRole string

const (
	RoleAdmin    UserRole = "admin"
	RoleSubAdmin UserRole = "sub-admin"
	RoleUser     UserRole = "user"
)

// Staff reports whether the role can manage other users' records.
func (r UserRole) Staff() bool {
	return r == RoleAdmin || r == RoleSubAdmin
}

type User struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	WhatsApp     bool      `json:"whatsapp"`
	Number       string    `json:"number"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Author struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type Category struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Book is a single circulating unit. Available and Status always move
// together; use SetStatus rather than assigning either field.
type Book struct {
	ID              int64      `json:"id"`
	Title           string     `json:"title"`
	PublicationYear int        `json:"publicationYear"`
	Rating          float64    `json:"rating"`
	Quantity        int        `json:"quantity"`
	Description     string     `json:"description"`
	AuthorID        int64      `json:"authorId"`
	CategoryID      int64      `json:"categoryId"`
	Available       bool       `json:"available"`
	Status          BookStatus `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// SetStatus moves the book to status and derives the available flag.
func (b *Book) SetStatus(status BookStatus) {
	b.Status = status
	b.Available = status == BookAvailable
}

// Availability is the projection returned by availability checks.
type Availability struct {
	Title     string     `json:"title"`
	Available bool       `json:"available"`
	Status    BookStatus `json:"status"`
}

type Loan struct {
	ID         int64     `json:"id"`
	BookID     int64     `json:"bookId"`
	UserID     int64     `json:"userId"`
	LoanDate   time.Time `json:"loanDate"`
	ReturnDate time.Time `json:"returnDate"`
	Returned   bool      `json:"returned"`
	Extended   bool      `json:"extended"`
}

type Reservation struct {
	ID              int64      `json:"id"`
	BookID          int64      `json:"bookId"`
	UserID          int64      `json:"userId"`
	ReservationDate time.Time  `json:"reservationDate"`
	Active          bool       `json:"active"`
	ExpirationDate  *time.Time `json:"reservationExpirationDate"`
}

type Fine struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"userId"`
	BookID      int64           `json:"bookId"`
	LoanID      int64           `json:"loanId"`
	Amount      decimal.Decimal `json:"amount"`
	Paid        bool            `json:"paid"`
	DueDate     time.Time       `json:"dueDate"`
	PaymentDate *time.Time      `json:"paymentDate"`
}

// SweepRun records the outcome of one overdue sweep.
type SweepRun struct {
	ID                    int64     `json:"id"`
	Trigger               string    `json:"trigger"`
	StartedAt             time.Time `json:"startedAt"`
	FinishedAt            time.Time `json:"finishedAt"`
	FinedLoanIDs          []int64   `json:"finedLoanIds"`
	ExpiredReservationIDs []int64   `json:"expiredReservationIds"`
	NotificationsSent     int       `json:"notificationsSent"`
	Errors                []string  `json:"errors,omitempty"`
}
