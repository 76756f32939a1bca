package store

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"

	"atlaslibrary/pkg/domain"
)

// GORM models used for persistence.
type UserModel struct {
	ID           int64     `gorm:"primaryKey;autoIncrement"`
	Name         string    `gorm:"not null"`
	WhatsApp     bool      `gorm:"not null;default:false"`
	Number       string    `gorm:"not null"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	Role         string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type AuthorModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Name      string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type CategoryModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Name      string    `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

type BookModel struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	Title           string    `gorm:"not null"`
	PublicationYear int       `gorm:"not null"`
	Rating          float64   `gorm:"not null;default:0"`
	Quantity        int       `gorm:"not null;default:1"`
	Description     string    `gorm:"type:text"`
	AuthorID        int64     `gorm:"not null;index"`
	CategoryID      int64     `gorm:"not null;index"`
	Available       bool      `gorm:"not null"`
	Status          string    `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

type LoanModel struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	BookID     int64     `gorm:"not null;index"`
	UserID     int64     `gorm:"not null;index"`
	LoanDate   time.Time `gorm:"not null"`
	ReturnDate time.Time `gorm:"not null;index"`
	Returned   bool      `gorm:"not null;default:false"`
	Extended   bool      `gorm:"not null;default:false"`
}

type ReservationModel struct {
	ID              int64     `gorm:"primaryKey;autoIncrement"`
	BookID          int64     `gorm:"not null;index"`
	UserID          int64     `gorm:"not null;index"`
	ReservationDate time.Time `gorm:"not null"`
	Active          bool      `gorm:"not null;default:true"`
	ExpirationDate  *time.Time
}

type FineModel struct {
	ID          int64           `gorm:"primaryKey;autoIncrement"`
	UserID      int64           `gorm:"not null;index"`
	BookID      int64           `gorm:"not null;index"`
	LoanID      int64           `gorm:"not null;index"`
	Amount      decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	Paid        bool            `gorm:"not null;default:false"`
	DueDate     time.Time       `gorm:"not null"`
	PaymentDate *time.Time
}

type SweepRunModel struct {
	ID                  int64          `gorm:"primaryKey;autoIncrement"`
	Trigger             string         `gorm:"not null"`
	StartedAt           time.Time      `gorm:"not null;index"`
	FinishedAt          time.Time      `gorm:"not null"`
	FinesCreated        int            `gorm:"not null"`
	ReservationsExpired int            `gorm:"not null"`
	NotificationsSent   int            `gorm:"not null"`
	Report              datatypes.JSON `gorm:"type:jsonb"`
}

type sweepReport struct {
	FinedLoanIDs          []int64  `json:"finedLoanIds"`
	ExpiredReservationIDs []int64  `json:"expiredReservationIds"`
	Errors                []string `json:"errors,omitempty"`
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Name:         u.Name,
		WhatsApp:     u.WhatsApp,
		Number:       u.Number,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		Role:         string(u.Role),
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Name:         m.Name,
		WhatsApp:     m.WhatsApp,
		Number:       m.Number,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		Role:         domain.UserRole(m.Role),
		CreatedAt:    m.CreatedAt,
	}
}

func authorFromModel(m AuthorModel) domain.Author {
	return domain.Author{ID: m.ID, Name: m.Name, CreatedAt: m.CreatedAt}
}

func categoryFromModel(m CategoryModel) domain.Category {
	return domain.Category{ID: m.ID, Name: m.Name, CreatedAt: m.CreatedAt}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:              b.ID,
		Title:           b.Title,
		PublicationYear: b.PublicationYear,
		Rating:          b.Rating,
		Quantity:        b.Quantity,
		Description:     b.Description,
		AuthorID:        b.AuthorID,
		CategoryID:      b.CategoryID,
		Available:       b.Available,
		Status:          string(b.Status),
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:              m.ID,
		Title:           m.Title,
		PublicationYear: m.PublicationYear,
		Rating:          m.Rating,
		Quantity:        m.Quantity,
		Description:     m.Description,
		AuthorID:        m.AuthorID,
		CategoryID:      m.CategoryID,
		Available:       m.Available,
		Status:          domain.BookStatus(m.Status),
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func loanToModel(l domain.Loan) LoanModel {
	return LoanModel{
		ID:         l.ID,
		BookID:     l.BookID,
		UserID:     l.UserID,
		LoanDate:   l.LoanDate.UTC(),
		ReturnDate: l.ReturnDate.UTC(),
		Returned:   l.Returned,
		Extended:   l.Extended,
	}
}

func loanFromModel(m LoanModel) domain.Loan {
	return domain.Loan{
		ID:         m.ID,
		BookID:     m.BookID,
		UserID:     m.UserID,
		LoanDate:   m.LoanDate.UTC(),
		ReturnDate: m.ReturnDate.UTC(),
		Returned:   m.Returned,
		Extended:   m.Extended,
	}
}

func reservationToModel(r domain.Reservation) ReservationModel {
	return ReservationModel{
		ID:              r.ID,
		BookID:          r.BookID,
		UserID:          r.UserID,
		ReservationDate: r.ReservationDate.UTC(),
		Active:          r.Active,
		ExpirationDate:  copyTimePtr(r.ExpirationDate),
	}
}

func reservationFromModel(m ReservationModel) domain.Reservation {
	r := domain.Reservation{
		ID:              m.ID,
		BookID:          m.BookID,
		UserID:          m.UserID,
		ReservationDate: m.ReservationDate.UTC(),
		Active:          m.Active,
	}
	if m.ExpirationDate != nil {
		r.ExpirationDate = utcPtr(*m.ExpirationDate)
	}
	return r
}

func fineToModel(f domain.Fine) FineModel {
	return FineModel{
		ID:          f.ID,
		UserID:      f.UserID,
		BookID:      f.BookID,
		LoanID:      f.LoanID,
		Amount:      f.Amount,
		Paid:        f.Paid,
		DueDate:     f.DueDate.UTC(),
		PaymentDate: copyTimePtr(f.PaymentDate),
	}
}

func fineFromModel(m FineModel) domain.Fine {
	f := domain.Fine{
		ID:      m.ID,
		UserID:  m.UserID,
		BookID:  m.BookID,
		LoanID:  m.LoanID,
		Amount:  m.Amount,
		Paid:    m.Paid,
		DueDate: m.DueDate.UTC(),
	}
	if m.PaymentDate != nil {
		f.PaymentDate = utcPtr(*m.PaymentDate)
	}
	return f
}

func sweepRunToModel(run domain.SweepRun) (SweepRunModel, error) {
	report, err := json.Marshal(sweepReport{
		FinedLoanIDs:          run.FinedLoanIDs,
		ExpiredReservationIDs: run.ExpiredReservationIDs,
		Errors:                run.Errors,
	})
	if err != nil {
		return SweepRunModel{}, err
	}
	return SweepRunModel{
		ID:                  run.ID,
		Trigger:             run.Trigger,
		StartedAt:           run.StartedAt.UTC(),
		FinishedAt:          run.FinishedAt.UTC(),
		FinesCreated:        len(run.FinedLoanIDs),
		ReservationsExpired: len(run.ExpiredReservationIDs),
		NotificationsSent:   run.NotificationsSent,
		Report:              datatypes.JSON(report),
	}, nil
}

func sweepRunFromModel(m SweepRunModel) domain.SweepRun {
	run := domain.SweepRun{
		ID:                m.ID,
		Trigger:           m.Trigger,
		StartedAt:         m.StartedAt.UTC(),
		FinishedAt:        m.FinishedAt.UTC(),
		NotificationsSent: m.NotificationsSent,
	}
	var report sweepReport
	if len(m.Report) > 0 && json.Unmarshal(m.Report, &report) == nil {
		run.FinedLoanIDs = report.FinedLoanIDs
		run.ExpiredReservationIDs = report.ExpiredReservationIDs
		run.Errors = report.Errors
	}
	return run
}
