// Package notify builds and delivers the library's outbound emails.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Email is a single outbound message with plain text and HTML bodies.
type Email struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
}

// Sender delivers an Email. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, msg Email) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Email) error

func (f SenderFunc) Send(ctx context.Context, msg Email) error { return f(ctx, msg) }

const dueDateLayout = "2006-01-02"

// OverdueEmail tells a borrower that a fine was issued for a late return.
func OverdueEmail(to string, amount decimal.Decimal, due time.Time) Email {
	text := fmt.Sprintf(
		"The book you borrowed was not returned within the stipulated deadline, then you will be charged a fee of $%s, you have until %s to make the payment",
		amount.StringFixed(2), due.UTC().Format(dueDateLayout),
	)
	return Email{
		To:      to,
		Subject: "Overdue Book 📕",
		Text:    text,
		HTML:    fmt.Sprintf("<h1>Overdue book</h1> <br> <p>%s</p>", text),
	}
}

// ReservationReadyEmail tells a reservation holder the book came back.
func ReservationReadyEmail(to string) Email {
	text := "The book you have reserved has been returned, you can borrow it."
	return Email{
		To:      to,
		Subject: "Reservation Book 📗",
		Text:    text,
		HTML:    fmt.Sprintf("<h1>Your reservation has available for borrow</h1> <br> <p>%s</p>", text),
	}
}

// ExpiredReservationsEmail lists every reservation of one user that lapsed
// in a sweep.
func ExpiredReservationsEmail(to string, titles []string) Email {
	label := "Book: "
	if len(titles) > 1 {
		label = "Books: "
	}
	text := fmt.Sprintf(
		"Your reservation(s) have expired. The book(s) is/are now available for other users. %s%s",
		label, strings.Join(titles, ", "),
	)
	return Email{
		To:      to,
		Subject: "The reserved book(s) have expired 📕",
		Text:    text,
		HTML:    fmt.Sprintf("<h1>The reserved book(s) have expired</h1> <br> <p>%s</p>", text),
	}
}
