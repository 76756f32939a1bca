package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"atlaslibrary/pkg/domain"
)

const migrateLockID int64 = 41874187

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

type foreignKey struct {
	table    string
	column   string
	refTable string
}

var foreignKeys = []foreignKey{
	{"book_models", "author_id", "author_models"},
	{"book_models", "category_id", "category_models"},
	{"loan_models", "book_id", "book_models"},
	{"loan_models", "user_id", "user_models"},
	{"reservation_models", "book_id", "book_models"},
	{"reservation_models", "user_id", "user_models"},
	{"fine_models", "book_id", "book_models"},
	{"fine_models", "user_id", "user_models"},
	{"fine_models", "loan_id", "loan_models"},
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, migrate); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Close releases the connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// InTx runs fn inside one database transaction. Row-level updates made
// through tx nest as savepoints.
func (s *GormStore) InTx(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func migrate(tx *gorm.DB) error {
	if err := tx.AutoMigrate(
		&UserModel{},
		&AuthorModel{},
		&CategoryModel{},
		&BookModel{},
		&LoanModel{},
		&ReservationModel{},
		&FineModel{},
		&SweepRunModel{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	for _, fk := range foreignKeys {
		name := fmt.Sprintf("%s_%s_fkey", fk.table, fk.column)
		if err := tx.Exec(fmt.Sprintf(`
			DO $$
			BEGIN
				IF NOT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE table_schema = 'public'
					AND table_name = '%[1]s'
					AND constraint_name = '%[2]s'
				) THEN
					ALTER TABLE %[1]s
					ADD CONSTRAINT %[2]s
					FOREIGN KEY (%[3]s) REFERENCES %[4]s(id) ON DELETE RESTRICT;
				END IF;
			END $$;
		`, fk.table, name, fk.column, fk.refTable)).Error; err != nil {
			return fmt.Errorf("ensure foreign key %s: %w", name, err)
		}
	}
	// Book state and the two circulation uniqueness rules live in the schema
	// so concurrent writers cannot break them.
	if err := tx.Exec(`
		DO $$
		BEGIN
			IF NOT EXISTS (
				SELECT 1 FROM information_schema.table_constraints
				WHERE table_schema = 'public'
				AND table_name = 'book_models'
				AND constraint_name = 'book_models_status_available_check'
			) THEN
				ALTER TABLE book_models
				ADD CONSTRAINT book_models_status_available_check
				CHECK ((status = 'available') = available);
			END IF;
		END $$;
	`).Error; err != nil {
		return fmt.Errorf("ensure book status check: %w", err)
	}
	if err := tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS loan_models_open_user_book_key
		ON loan_models (user_id, book_id) WHERE NOT returned
	`).Error; err != nil {
		return fmt.Errorf("ensure open loan index: %w", err)
	}
	if err := tx.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS reservation_models_active_book_key
		ON reservation_models (book_id) WHERE active
	`).Error; err != nil {
		return fmt.Errorf("ensure active reservation index: %w", err)
	}
	return nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// translateErr maps driver-level constraint errors onto the store sentinels.
func translateErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%w: %v", ErrReferenced, err)
	default:
		return err
	}
}

func getByID[M any, T any](ctx context.Context, db *gorm.DB, id int64, conv func(M) T) (T, bool, error) {
	var model M
	var zero T
	if err := db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return zero, false, nil
		}
		return zero, false, err
	}
	return conv(model), true, nil
}

func firstWhere[M any, T any](tx *gorm.DB, conv func(M) T) (T, bool, error) {
	var model M
	var zero T
	if err := tx.Order("id ASC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return zero, false, nil
		}
		return zero, false, err
	}
	return conv(model), true, nil
}

func findAll[M any, T any](tx *gorm.DB, conv func(M) T) ([]T, error) {
	var models []M
	if err := tx.Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]T, 0, len(models))
	for _, m := range models {
		res = append(res, conv(m))
	}
	return res, nil
}

func deleteByID[M any](ctx context.Context, db *gorm.DB, id int64) (bool, error) {
	var model M
	res := db.WithContext(ctx).Delete(&model, "id = ?", id)
	if res.Error != nil {
		return false, translateErr(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// lockedUpdate reads the row FOR UPDATE, lets apply mutate it, and writes it
// back only when apply reports a change. The before/after comparison is what
// separates NotFound from NoOp.
func lockedUpdate[M any](ctx context.Context, db *gorm.DB, id int64, apply func(*M) bool) (UpdateOutcome, error) {
	outcome := OutcomeNotFound
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model M
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&model, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if !apply(&model) {
			outcome = OutcomeNoOp
			return nil
		}
		if err := tx.Save(&model).Error; err != nil {
			return err
		}
		outcome = OutcomeUpdated
		return nil
	})
	if err != nil {
		return OutcomeNotFound, translateErr(err)
	}
	return outcome, nil
}

// users

func (s *GormStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	model := userToModel(u)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.User{}, translateErr(err)
	}
	return userFromModel(model), nil
}

func (s *GormStore) GetUser(ctx context.Context, id int64) (domain.User, bool, error) {
	return getByID(ctx, s.db, id, userFromModel)
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error) {
	return firstWhere(s.db.WithContext(ctx).Where("LOWER(email) = LOWER(?)", email), userFromModel)
}

func (s *GormStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	return findAll(s.db.WithContext(ctx), userFromModel)
}

func (s *GormStore) UpdateUser(ctx context.Context, id int64, patch UserPatch) (UpdateOutcome, error) {
	return lockedUpdate(ctx, s.db, id, func(m *UserModel) bool {
		user := userFromModel(*m)
		if !applyUserPatch(&user, patch) {
			return false
		}
		*m = userToModel(user)
		return true
	})
}

func (s *GormStore) DeleteUser(ctx context.Context, id int64) (bool, error) {
	return deleteByID[UserModel](ctx, s.db, id)
}

// authors

func (s *GormStore) CreateAuthor(ctx context.Context, a domain.Author) (domain.Author, error) {
	model := AuthorModel{Name: a.Name, CreatedAt: a.CreatedAt}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Author{}, translateErr(err)
	}
	return authorFromModel(model), nil
}

func (s *GormStore) GetAuthor(ctx context.Context, id int64) (domain.Author, bool, error) {
	return getByID(ctx, s.db, id, authorFromModel)
}

func (s *GormStore) ListAuthors(ctx context.Context) ([]domain.Author, error) {
	return findAll(s.db.WithContext(ctx), authorFromModel)
}

func (s *GormStore) RenameAuthor(ctx context.Context, id int64, name string) (UpdateOutcome, error) {
	return lockedUpdate(ctx, s.db, id, func(m *AuthorModel) bool {
		if m.Name == name {
			return false
		}
		m.Name = name
		return true
	})
}

func (s *GormStore) DeleteAuthor(ctx context.Context, id int64) (bool, error) {
	return deleteByID[AuthorModel](ctx, s.db, id)
}

// categories

func (s *GormStore) CreateCategory(ctx context.Context, c domain.Category) (domain.Category, error) {
	model := CategoryModel{Name: c.Name, CreatedAt: c.CreatedAt}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Category{}, translateErr(err)
	}
	return categoryFromModel(model), nil
}

func (s *GormStore) GetCategory(ctx context.Context, id int64) (domain.Category, bool, error) {
	return getByID(ctx, s.db, id, categoryFromModel)
}

func (s *GormStore) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return findAll(s.db.WithContext(ctx), categoryFromModel)
}

func (s *GormStore) RenameCategory(ctx context.Context, id int64, name string) (UpdateOutcome, error) {
	return lockedUpdate(ctx, s.db, id, func(m *CategoryModel) bool {
		if m.Name == name {
			return false
		}
		m.Name = name
		return true
	})
}

func (s *GormStore) DeleteCategory(ctx context.Context, id int64) (bool, error) {
	return deleteByID[CategoryModel](ctx, s.db, id)
}

// books

func (s *GormStore) CreateBook(ctx context.Context, b domain.Book) (domain.Book, error) {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = b.CreatedAt
	model := bookToModel(b)
	model.ID = 0
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Book{}, translateErr(err)
	}
	return bookFromModel(model), nil
}

func (s *GormStore) GetBook(ctx context.Context, id int64) (domain.Book, bool, error) {
	return getByID(ctx, s.db, id, bookFromModel)
}

func (s *GormStore) ListBooks(ctx context.Context) ([]domain.Book, error) {
	return findAll(s.db.WithContext(ctx), bookFromModel)
}

func (s *GormStore) UpdateBook(ctx context.Context, id int64, patch BookPatch) (UpdateOutcome, error) {
	return lockedUpdate(ctx, s.db, id, func(m *BookModel) bool {
		book := bookFromModel(*m)
		if !applyBookPatch(&book, patch) {
			return false
		}
		book.UpdatedAt = time.Now().UTC()
		*m = bookToModel(book)
		return true
	})
}

func (s *GormStore) DeleteBook(ctx context.Context, id int64) (bool, error) {
	return deleteByID[BookModel](ctx, s.db, id)
}

// loans

func (s *GormStore) CreateLoan(ctx context.Context, l domain.Loan) (domain.Loan, error) {
	model := loanToModel(l)
	model.ID = 0
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Loan{}, translateErr(err)
	}
	return loanFromModel(model), nil
}

func (s *GormStore) GetLoan(ctx context.Context, id int64) (domain.Loan, bool, error) {
	return getByID(ctx, s.db, id, loanFromModel)
}

func (s *GormStore) ListLoans(ctx context.Context) ([]domain.Loan, error) {
	return findAll(s.db.WithContext(ctx), loanFromModel)
}

func (s *GormStore) ListUserLoans(ctx context.Context, userID int64, filter LoanFilter) ([]domain.Loan, error) {
	tx := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if filter.Returned != nil {
		tx = tx.Where("returned = ?", *filter.Returned)
	}
	if filter.LoanedOn != nil {
		start, end := dayBounds(*filter.LoanedOn)
		tx = tx.Where("loan_date >= ? AND loan_date < ?", start, end)
	}
	return findAll(tx, loanFromModel)
}

func (s *GormStore) ListOverdueLoans(ctx context.Context, now time.Time) ([]domain.Loan, error) {
	tx := s.db.WithContext(ctx).Where("returned = ? AND return_date < ?", false, now.UTC())
	return findAll(tx, loanFromModel)
}

func (s *GormStore) UpdateLoan(ctx context.Context, id int64, patch LoanPatch) (UpdateOutcome, error) {
	return lockedUpdate(ctx, s.db, id, func(m *LoanModel) bool {
		loan := loanFromModel(*m)
		if !applyLoanPatch(&loan, patch) {
			return false
		}
		*m = loanToModel(loan)
		return true
	})
}

func (s *GormStore) DeleteLoan(ctx context.Context, id int64) (bool, error) {
	return deleteByID[LoanModel](ctx, s.db, id)
}

// reservations

func (s *GormStore) CreateReservation(ctx context.Context, r domain.Reservation) (domain.Reservation, error) {
	model := reservationToModel(r)
	model.ID = 0
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Reservation{}, translateErr(err)
	}
	return reservationFromModel(model), nil
}

func (s *GormStore) GetReservation(ctx context.Context, id int64) (domain.Reservation, bool, error) {
	return getByID(ctx, s.db, id, reservationFromModel)
}

func (s *GormStore) ListReservations(ctx context.Context) ([]domain.Reservation, error) {
	return findAll(s.db.WithContext(ctx), reservationFromModel)
}

func (s *GormStore) ListUserReservations(ctx context.Context, userID int64) ([]domain.Reservation, error) {
	return findAll(s.db.WithContext(ctx).Where("user_id = ?", userID), reservationFromModel)
}

func (s *GormStore) ActiveReservationForBook(ctx context.Context, bookID int64) (domain.Reservation, bool, error) {
	tx := s.db.WithContext(ctx).Where("book_id = ? AND active = ?", bookID, true)
	return firstWhere(tx, reservationFromModel)
}

func (s *GormStore) ActiveReservationForUser(ctx context.Context, userID, bookID int64) (domain.Reservation, bool, error) {
	tx := s.db.WithContext(ctx).Where("user_id = ? AND book_id = ? AND active = ?", userID, bookID, true)
	return firstWhere(tx, reservationFromModel)
}

func (s *GormStore) ListExpiredReservations(ctx context.Context, cutoff time.Time) ([]domain.Reservation, error) {
	tx := s.db.WithContext(ctx).
		Where("active = ?", true).
		Where("expiration_date IS NOT NULL AND expiration_date < ?", cutoff.UTC())
	return findAll(tx, reservationFromModel)
}

func (s *GormStore) UpdateReservation(ctx context.Context, id int64, patch ReservationPatch) (UpdateOutcome, error) {
	return lockedUpdate(ctx, s.db, id, func(m *ReservationModel) bool {
		reservation := reservationFromModel(*m)
		if !applyReservationPatch(&reservation, patch) {
			return false
		}
		*m = reservationToModel(reservation)
		return true
	})
}

func (s *GormStore) DeleteReservation(ctx context.Context, id int64) (bool, error) {
	return deleteByID[ReservationModel](ctx, s.db, id)
}

// fines

func (s *GormStore) CreateFine(ctx context.Context, f domain.Fine) (domain.Fine, error) {
	model := fineToModel(f)
	model.ID = 0
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.Fine{}, translateErr(err)
	}
	return fineFromModel(model), nil
}

func (s *GormStore) GetFine(ctx context.Context, id int64) (domain.Fine, bool, error) {
	return getByID(ctx, s.db, id, fineFromModel)
}

func (s *GormStore) ListFines(ctx context.Context) ([]domain.Fine, error) {
	return findAll(s.db.WithContext(ctx), fineFromModel)
}

func (s *GormStore) ListUserFines(ctx context.Context, userID int64, filter FineFilter) ([]domain.Fine, error) {
	tx := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if filter.Paid != nil {
		tx = tx.Where("paid = ?", *filter.Paid)
	}
	if filter.BookID != nil {
		tx = tx.Where("book_id = ?", *filter.BookID)
	}
	if filter.DueOn != nil {
		start, end := dayBounds(*filter.DueOn)
		tx = tx.Where("due_date >= ? AND due_date < ?", start, end)
	}
	return findAll(tx, fineFromModel)
}

func (s *GormStore) UpdateFine(ctx context.Context, id int64, patch FinePatch) (UpdateOutcome, error) {
	return lockedUpdate(ctx, s.db, id, func(m *FineModel) bool {
		fine := fineFromModel(*m)
		if !applyFinePatch(&fine, patch) {
			return false
		}
		*m = fineToModel(fine)
		return true
	})
}

func (s *GormStore) DeleteFine(ctx context.Context, id int64) (bool, error) {
	return deleteByID[FineModel](ctx, s.db, id)
}

// sweep runs

func (s *GormStore) SaveSweepRun(ctx context.Context, run domain.SweepRun) (domain.SweepRun, error) {
	model, err := sweepRunToModel(run)
	if err != nil {
		return domain.SweepRun{}, fmt.Errorf("encode sweep report: %w", err)
	}
	model.ID = 0
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.SweepRun{}, err
	}
	run.ID = model.ID
	return run, nil
}

func (s *GormStore) ListSweepRuns(ctx context.Context, limit int) ([]domain.SweepRun, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []SweepRunModel
	if err := s.db.WithContext(ctx).Order("id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.SweepRun, 0, len(models))
	for _, m := range models {
		res = append(res, sweepRunFromModel(m))
	}
	return res, nil
}
