package store

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"atlaslibrary/pkg/domain"
)

// MemoryStore keeps every record in-process. It enforces the same
// uniqueness and reference rules as the Postgres schema and is used by
// tests and local runs without a database.
type MemoryStore struct {
	txMu         sync.Mutex
	mu           sync.RWMutex
	seq          int64
	users        map[int64]domain.User
	authors      map[int64]domain.Author
	categories   map[int64]domain.Category
	books        map[int64]domain.Book
	loans        map[int64]domain.Loan
	reservations map[int64]domain.Reservation
	fines        map[int64]domain.Fine
	runs         []domain.SweepRun
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[int64]domain.User),
		authors:      make(map[int64]domain.Author),
		categories:   make(map[int64]domain.Category),
		books:        make(map[int64]domain.Book),
		loans:        make(map[int64]domain.Loan),
		reservations: make(map[int64]domain.Reservation),
		fines:        make(map[int64]domain.Fine),
	}
}

var _ Store = (*MemoryStore)(nil)

type memorySnapshot struct {
	users        map[int64]domain.User
	authors      map[int64]domain.Author
	categories   map[int64]domain.Category
	books        map[int64]domain.Book
	loans        map[int64]domain.Loan
	reservations map[int64]domain.Reservation
	fines        map[int64]domain.Fine
	runs         []domain.SweepRun
}

// InTx serializes transactions and restores a snapshot when fn fails or
// panics. Ids handed out inside a rolled-back transaction are not reused.
func (m *MemoryStore) InTx(_ context.Context, fn func(tx Store) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.RLock()
	snap := memorySnapshot{
		users:        maps.Clone(m.users),
		authors:      maps.Clone(m.authors),
		categories:   maps.Clone(m.categories),
		books:        maps.Clone(m.books),
		loans:        maps.Clone(m.loans),
		reservations: maps.Clone(m.reservations),
		fines:        maps.Clone(m.fines),
		runs:         slices.Clone(m.runs),
	}
	m.mu.RUnlock()

	committed := false
	defer func() {
		if committed {
			return
		}
		m.mu.Lock()
		m.users, m.authors, m.categories = snap.users, snap.authors, snap.categories
		m.books, m.loans, m.reservations = snap.books, snap.loans, snap.reservations
		m.fines, m.runs = snap.fines, snap.runs
		m.mu.Unlock()
	}()
	if err := fn(m); err != nil {
		return err
	}
	committed = true
	return nil
}

func (m *MemoryStore) nextID() int64 {
	m.seq++
	return m.seq
}

func sortedValues[T any](items map[int64]T, keep func(T) bool) []T {
	ids := make([]int64, 0, len(items))
	for id, item := range items {
		if keep == nil || keep(item) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, items[id])
	}
	return out
}

// users

func (m *MemoryStore) CreateUser(_ context.Context, u domain.User) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return domain.User{}, ErrDuplicate
		}
	}
	u.ID = m.nextID()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.users[u.ID] = u
	return u, nil
}

func (m *MemoryStore) GetUser(_ context.Context, id int64) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	return u, ok, nil
}

func (m *MemoryStore) GetUserByEmail(_ context.Context, email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if strings.EqualFold(u.Email, email) {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (m *MemoryStore) ListUsers(_ context.Context) ([]domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.users, nil), nil
}

func (m *MemoryStore) UpdateUser(_ context.Context, id int64, patch UserPatch) (UpdateOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return OutcomeNotFound, nil
	}
	if patch.Email != nil {
		for otherID, other := range m.users {
			if otherID != id && strings.EqualFold(other.Email, *patch.Email) {
				return OutcomeNotFound, ErrDuplicate
			}
		}
	}
	if !applyUserPatch(&u, patch) {
		return OutcomeNoOp, nil
	}
	m.users[id] = u
	return OutcomeUpdated, nil
}

func (m *MemoryStore) DeleteUser(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return false, nil
	}
	if m.userReferenced(id) {
		return false, ErrReferenced
	}
	delete(m.users, id)
	return true, nil
}

func (m *MemoryStore) userReferenced(id int64) bool {
	for _, l := range m.loans {
		if l.UserID == id {
			return true
		}
	}
	for _, r := range m.reservations {
		if r.UserID == id {
			return true
		}
	}
	for _, f := range m.fines {
		if f.UserID == id {
			return true
		}
	}
	return false
}

// authors

func (m *MemoryStore) CreateAuthor(_ context.Context, a domain.Author) (domain.Author, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.authors {
		if existing.Name == a.Name {
			return domain.Author{}, ErrDuplicate
		}
	}
	a.ID = m.nextID()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.authors[a.ID] = a
	return a, nil
}

func (m *MemoryStore) GetAuthor(_ context.Context, id int64) (domain.Author, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.authors[id]
	return a, ok, nil
}

func (m *MemoryStore) ListAuthors(_ context.Context) ([]domain.Author, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.authors, nil), nil
}

func (m *MemoryStore) RenameAuthor(_ context.Context, id int64, name string) (UpdateOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.authors[id]
	if !ok {
		return OutcomeNotFound, nil
	}
	if a.Name == name {
		return OutcomeNoOp, nil
	}
	for otherID, other := range m.authors {
		if otherID != id && other.Name == name {
			return OutcomeNotFound, ErrDuplicate
		}
	}
	a.Name = name
	m.authors[id] = a
	return OutcomeUpdated, nil
}

func (m *MemoryStore) DeleteAuthor(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.authors[id]; !ok {
		return false, nil
	}
	for _, b := range m.books {
		if b.AuthorID == id {
			return false, ErrReferenced
		}
	}
	delete(m.authors, id)
	return true, nil
}

// categories

func (m *MemoryStore) CreateCategory(_ context.Context, c domain.Category) (domain.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.categories {
		if existing.Name == c.Name {
			return domain.Category{}, ErrDuplicate
		}
	}
	c.ID = m.nextID()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.categories[c.ID] = c
	return c, nil
}

func (m *MemoryStore) GetCategory(_ context.Context, id int64) (domain.Category, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[id]
	return c, ok, nil
}

func (m *MemoryStore) ListCategories(_ context.Context) ([]domain.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.categories, nil), nil
}

func (m *MemoryStore) RenameCategory(_ context.Context, id int64, name string) (UpdateOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.categories[id]
	if !ok {
		return OutcomeNotFound, nil
	}
	if c.Name == name {
		return OutcomeNoOp, nil
	}
	for otherID, other := range m.categories {
		if otherID != id && other.Name == name {
			return OutcomeNotFound, ErrDuplicate
		}
	}
	c.Name = name
	m.categories[id] = c
	return OutcomeUpdated, nil
}

func (m *MemoryStore) DeleteCategory(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.categories[id]; !ok {
		return false, nil
	}
	for _, b := range m.books {
		if b.CategoryID == id {
			return false, ErrReferenced
		}
	}
	delete(m.categories, id)
	return true, nil
}

// books

func (m *MemoryStore) CreateBook(_ context.Context, b domain.Book) (domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = m.nextID()
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = b.CreatedAt
	m.books[b.ID] = b
	return b, nil
}

func (m *MemoryStore) GetBook(_ context.Context, id int64) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

func (m *MemoryStore) ListBooks(_ context.Context) ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.books, nil), nil
}

func (m *MemoryStore) UpdateBook(_ context.Context, id int64, patch BookPatch) (UpdateOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return OutcomeNotFound, nil
	}
	if !applyBookPatch(&b, patch) {
		return OutcomeNoOp, nil
	}
	b.UpdatedAt = time.Now().UTC()
	m.books[id] = b
	return OutcomeUpdated, nil
}

func (m *MemoryStore) DeleteBook(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.books[id]; !ok {
		return false, nil
	}
	for _, l := range m.loans {
		if l.BookID == id {
			return false, ErrReferenced
		}
	}
	for _, r := range m.reservations {
		if r.BookID == id {
			return false, ErrReferenced
		}
	}
	for _, f := range m.fines {
		if f.BookID == id {
			return false, ErrReferenced
		}
	}
	delete(m.books, id)
	return true, nil
}

// loans

func (m *MemoryStore) CreateLoan(_ context.Context, l domain.Loan) (domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !l.Returned && m.openLoanExists(0, l.UserID, l.BookID) {
		return domain.Loan{}, ErrDuplicate
	}
	l.ID = m.nextID()
	l.LoanDate = l.LoanDate.UTC()
	l.ReturnDate = l.ReturnDate.UTC()
	m.loans[l.ID] = l
	return l, nil
}

func (m *MemoryStore) openLoanExists(exceptID, userID, bookID int64) bool {
	for id, l := range m.loans {
		if id != exceptID && l.UserID == userID && l.BookID == bookID && !l.Returned {
			return true
		}
	}
	return false
}

func (m *MemoryStore) GetLoan(_ context.Context, id int64) (domain.Loan, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.loans[id]
	return l, ok, nil
}

func (m *MemoryStore) ListLoans(_ context.Context) ([]domain.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.loans, nil), nil
}

func (m *MemoryStore) ListUserLoans(_ context.Context, userID int64, filter LoanFilter) ([]domain.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.loans, func(l domain.Loan) bool {
		if l.UserID != userID {
			return false
		}
		if filter.Returned != nil && l.Returned != *filter.Returned {
			return false
		}
		if filter.LoanedOn != nil && !sameDay(l.LoanDate, *filter.LoanedOn) {
			return false
		}
		return true
	}), nil
}

func (m *MemoryStore) ListOverdueLoans(_ context.Context, now time.Time) ([]domain.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.loans, func(l domain.Loan) bool {
		return !l.Returned && l.ReturnDate.Before(now)
	}), nil
}

func (m *MemoryStore) UpdateLoan(_ context.Context, id int64, patch LoanPatch) (UpdateOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.loans[id]
	if !ok {
		return OutcomeNotFound, nil
	}
	if !applyLoanPatch(&l, patch) {
		return OutcomeNoOp, nil
	}
	if !l.Returned && m.openLoanExists(id, l.UserID, l.BookID) {
		return OutcomeNotFound, ErrDuplicate
	}
	m.loans[id] = l
	return OutcomeUpdated, nil
}

func (m *MemoryStore) DeleteLoan(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[id]; !ok {
		return false, nil
	}
	for _, f := range m.fines {
		if f.LoanID == id {
			return false, ErrReferenced
		}
	}
	delete(m.loans, id)
	return true, nil
}

// reservations

func (m *MemoryStore) CreateReservation(_ context.Context, r domain.Reservation) (domain.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.Active && m.activeReservationExists(0, r.BookID) {
		return domain.Reservation{}, ErrDuplicate
	}
	r.ID = m.nextID()
	r.ReservationDate = r.ReservationDate.UTC()
	r.ExpirationDate = copyTimePtr(r.ExpirationDate)
	m.reservations[r.ID] = r
	return r, nil
}

func (m *MemoryStore) activeReservationExists(exceptID, bookID int64) bool {
	for id, r := range m.reservations {
		if id != exceptID && r.BookID == bookID && r.Active {
			return true
		}
	}
	return false
}

func (m *MemoryStore) GetReservation(_ context.Context, id int64) (domain.Reservation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reservations[id]
	if ok {
		r.ExpirationDate = copyTimePtr(r.ExpirationDate)
	}
	return r, ok, nil
}

func (m *MemoryStore) ListReservations(_ context.Context) ([]domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.reservations, nil), nil
}

func (m *MemoryStore) ListUserReservations(_ context.Context, userID int64) ([]domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.reservations, func(r domain.Reservation) bool {
		return r.UserID == userID
	}), nil
}

func (m *MemoryStore) ActiveReservationForBook(_ context.Context, bookID int64) (domain.Reservation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstReservation(func(r domain.Reservation) bool {
		return r.BookID == bookID && r.Active
	})
}

func (m *MemoryStore) ActiveReservationForUser(_ context.Context, userID, bookID int64) (domain.Reservation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstReservation(func(r domain.Reservation) bool {
		return r.UserID == userID && r.BookID == bookID && r.Active
	})
}

func (m *MemoryStore) firstReservation(keep func(domain.Reservation) bool) (domain.Reservation, bool, error) {
	matches := sortedValues(m.reservations, keep)
	if len(matches) == 0 {
		return domain.Reservation{}, false, nil
	}
	return matches[0], true, nil
}

func (m *MemoryStore) ListExpiredReservations(_ context.Context, cutoff time.Time) ([]domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.reservations, func(r domain.Reservation) bool {
		return r.Active && r.ExpirationDate != nil && r.ExpirationDate.Before(cutoff)
	}), nil
}

func (m *MemoryStore) UpdateReservation(_ context.Context, id int64, patch ReservationPatch) (UpdateOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reservations[id]
	if !ok {
		return OutcomeNotFound, nil
	}
	if !applyReservationPatch(&r, patch) {
		return OutcomeNoOp, nil
	}
	if r.Active && m.activeReservationExists(id, r.BookID) {
		return OutcomeNotFound, ErrDuplicate
	}
	m.reservations[id] = r
	return OutcomeUpdated, nil
}

func (m *MemoryStore) DeleteReservation(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reservations[id]; !ok {
		return false, nil
	}
	delete(m.reservations, id)
	return true, nil
}

// fines

func (m *MemoryStore) CreateFine(_ context.Context, f domain.Fine) (domain.Fine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.ID = m.nextID()
	f.DueDate = f.DueDate.UTC()
	f.PaymentDate = copyTimePtr(f.PaymentDate)
	m.fines[f.ID] = f
	return f, nil
}

func (m *MemoryStore) GetFine(_ context.Context, id int64) (domain.Fine, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.fines[id]
	return f, ok, nil
}

func (m *MemoryStore) ListFines(_ context.Context) ([]domain.Fine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.fines, nil), nil
}

func (m *MemoryStore) ListUserFines(_ context.Context, userID int64, filter FineFilter) ([]domain.Fine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedValues(m.fines, func(f domain.Fine) bool {
		if f.UserID != userID {
			return false
		}
		if filter.Paid != nil && f.Paid != *filter.Paid {
			return false
		}
		if filter.BookID != nil && f.BookID != *filter.BookID {
			return false
		}
		if filter.DueOn != nil && !sameDay(f.DueDate, *filter.DueOn) {
			return false
		}
		return true
	}), nil
}

func (m *MemoryStore) UpdateFine(_ context.Context, id int64, patch FinePatch) (UpdateOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.fines[id]
	if !ok {
		return OutcomeNotFound, nil
	}
	if !applyFinePatch(&f, patch) {
		return OutcomeNoOp, nil
	}
	m.fines[id] = f
	return OutcomeUpdated, nil
}

func (m *MemoryStore) DeleteFine(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fines[id]; !ok {
		return false, nil
	}
	delete(m.fines, id)
	return true, nil
}

// sweep runs

func (m *MemoryStore) SaveSweepRun(_ context.Context, run domain.SweepRun) (domain.SweepRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = m.nextID()
	m.runs = append(m.runs, run)
	return run, nil
}

func (m *MemoryStore) ListSweepRuns(_ context.Context, limit int) ([]domain.SweepRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := slices.Clone(m.runs)
	slices.SortFunc(out, func(a, b domain.SweepRun) int {
		return cmp.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
