package store

import (
	"time"

	"atlaslibrary/pkg/domain"
)

// The apply helpers mutate the row in place and report whether any field
// actually changed. Both stores use them so NoOp detection is identical.

func applyBookPatch(b *domain.Book, p BookPatch) bool {
	changed := false
	if p.Title != nil && *p.Title != b.Title {
		b.Title = *p.Title
		changed = true
	}
	if p.PublicationYear != nil && *p.PublicationYear != b.PublicationYear {
		b.PublicationYear = *p.PublicationYear
		changed = true
	}
	if p.Rating != nil && *p.Rating != b.Rating {
		b.Rating = *p.Rating
		changed = true
	}
	if p.Quantity != nil && *p.Quantity != b.Quantity {
		b.Quantity = *p.Quantity
		changed = true
	}
	if p.Description != nil && *p.Description != b.Description {
		b.Description = *p.Description
		changed = true
	}
	if p.AuthorID != nil && *p.AuthorID != b.AuthorID {
		b.AuthorID = *p.AuthorID
		changed = true
	}
	if p.CategoryID != nil && *p.CategoryID != b.CategoryID {
		b.CategoryID = *p.CategoryID
		changed = true
	}
	if p.Status != nil {
		wantAvailable := *p.Status == domain.BookAvailable
		if *p.Status != b.Status || wantAvailable != b.Available {
			b.SetStatus(*p.Status)
			changed = true
		}
	}
	return changed
}

func applyUserPatch(u *domain.User, p UserPatch) bool {
	changed := false
	if p.Name != nil && *p.Name != u.Name {
		u.Name = *p.Name
		changed = true
	}
	if p.WhatsApp != nil && *p.WhatsApp != u.WhatsApp {
		u.WhatsApp = *p.WhatsApp
		changed = true
	}
	if p.Number != nil && *p.Number != u.Number {
		u.Number = *p.Number
		changed = true
	}
	if p.Email != nil && *p.Email != u.Email {
		u.Email = *p.Email
		changed = true
	}
	if p.PasswordHash != nil && *p.PasswordHash != u.PasswordHash {
		u.PasswordHash = *p.PasswordHash
		changed = true
	}
	if p.Role != nil && *p.Role != u.Role {
		u.Role = *p.Role
		changed = true
	}
	return changed
}

func applyLoanPatch(l *domain.Loan, p LoanPatch) bool {
	changed := false
	if p.ReturnDate != nil && !p.ReturnDate.Equal(l.ReturnDate) {
		l.ReturnDate = p.ReturnDate.UTC()
		changed = true
	}
	if p.Returned != nil && *p.Returned != l.Returned {
		l.Returned = *p.Returned
		changed = true
	}
	if p.Extended != nil && *p.Extended != l.Extended {
		l.Extended = *p.Extended
		changed = true
	}
	return changed
}

func applyReservationPatch(r *domain.Reservation, p ReservationPatch) bool {
	changed := false
	if p.BookID != nil && *p.BookID != r.BookID {
		r.BookID = *p.BookID
		changed = true
	}
	if p.UserID != nil && *p.UserID != r.UserID {
		r.UserID = *p.UserID
		changed = true
	}
	if p.Active != nil && *p.Active != r.Active {
		r.Active = *p.Active
		changed = true
	}
	if p.ExpirationDate != nil && !timePtrEqual(r.ExpirationDate, p.ExpirationDate) {
		r.ExpirationDate = utcPtr(*p.ExpirationDate)
		changed = true
	}
	return changed
}

func applyFinePatch(f *domain.Fine, p FinePatch) bool {
	changed := false
	if p.Paid != nil && *p.Paid != f.Paid {
		f.Paid = *p.Paid
		changed = true
	}
	if p.PaymentDate != nil && !timePtrEqual(f.PaymentDate, p.PaymentDate) {
		f.PaymentDate = utcPtr(*p.PaymentDate)
		changed = true
	}
	return changed
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func utcPtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
