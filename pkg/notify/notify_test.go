package notify

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"atlaslibrary/pkg/queue"
)

func TestOverdueEmailMentionsAmountAndDate(t *testing.T) {
	due := time.Date(2026, 5, 4, 23, 0, 0, 0, time.UTC)
	msg := OverdueEmail("reader@example.com", decimal.RequireFromString("5"), due)
	if msg.To != "reader@example.com" || msg.Subject != "Overdue Book 📕" {
		t.Fatalf("unexpected header fields: %+v", msg)
	}
	if !strings.Contains(msg.Text, "$5.00") || !strings.Contains(msg.Text, "2026-05-04") {
		t.Fatalf("text missing amount or date: %q", msg.Text)
	}
	if !strings.HasPrefix(msg.HTML, "<h1>Overdue book</h1>") {
		t.Fatalf("unexpected html: %q", msg.HTML)
	}
}

func TestExpiredReservationsEmailLabel(t *testing.T) {
	one := ExpiredReservationsEmail("a@example.com", []string{"Dune"})
	if !strings.HasSuffix(one.Text, "Book: Dune") {
		t.Fatalf("single title text: %q", one.Text)
	}
	many := ExpiredReservationsEmail("a@example.com", []string{"Dune", "Emma"})
	if !strings.HasSuffix(many.Text, "Books: Dune, Emma") {
		t.Fatalf("multiple title text: %q", many.Text)
	}
}

func TestNewSMTPSenderValidation(t *testing.T) {
	if _, err := NewSMTPSender(SMTPConfig{Username: "lib@example.com"}); err == nil {
		t.Fatalf("expected missing host error")
	}
	if _, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com"}); err == nil {
		t.Fatalf("expected missing username error")
	}
	s, err := NewSMTPSender(SMTPConfig{Host: "smtp.example.com", Username: "lib@example.com"})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if !s.dialer.SSL || s.dialer.Port != 465 {
		t.Fatalf("expected implicit tls on 465, got ssl=%v port=%d", s.dialer.SSL, s.dialer.Port)
	}
	m := s.message(ReservationReadyEmail("reader@example.com"))
	if got := m.GetHeader("To"); len(got) != 1 || got[0] != "reader@example.com" {
		t.Fatalf("unexpected To header: %v", got)
	}
	if got := m.GetHeader("Subject"); len(got) != 1 || got[0] != "Reservation Book 📗" {
		t.Fatalf("unexpected Subject header: %v", got)
	}
}

func TestQueueSenderDeliversThroughWorker(t *testing.T) {
	redisSrv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: redisSrv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q, err := queue.New(rdb, queue.Options{
		Stream: "test:mail",
		Block:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Email, 1)
	StartDelivery(ctx, q, 1, SenderFunc(func(_ context.Context, msg Email) error {
		got <- msg
		return nil
	}))

	want := ReservationReadyEmail("reader@example.com")
	if err := NewQueueSender(q).Send(ctx, want); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case msg := <-got:
		if msg != want {
			t.Fatalf("delivered %+v want %+v", msg, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("email was not delivered")
	}
}

func TestDeliveryHandlerDropsUnknownKinds(t *testing.T) {
	called := false
	h := DeliveryHandler(SenderFunc(func(context.Context, Email) error {
		called = true
		return nil
	}))
	if err := h(context.Background(), queue.Task{ID: "t1", Topic: "report"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called {
		t.Fatalf("sender must not run for unknown kinds")
	}
}
