package app

import (
	"context"
	"fmt"
	"strings"

	"atlaslibrary/pkg/domain"
	"atlaslibrary/pkg/store"
)

// authors

func (a *App) CreateAuthor(ctx context.Context, name string) (domain.Author, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Author{}, BadRequest("Field 'name' is required", nil)
	}
	author, err := a.store.CreateAuthor(ctx, domain.Author{Name: name, CreatedAt: a.now()})
	if err != nil {
		return domain.Author{}, storeErr(err, "create author", "Author already exists")
	}
	return author, nil
}

func (a *App) ListAuthors(ctx context.Context) ([]domain.Author, error) {
	out, err := a.store.ListAuthors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list authors: %w", err)
	}
	return out, nil
}

func (a *App) GetAuthor(ctx context.Context, id int64) (domain.Author, error) {
	author, ok, err := a.store.GetAuthor(ctx, id)
	if err != nil {
		return domain.Author{}, fmt.Errorf("fetch author: %w", err)
	}
	if !ok {
		return domain.Author{}, NotFound("Author not found, check the id and try again", nil)
	}
	return author, nil
}

func (a *App) RenameAuthor(ctx context.Context, id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return BadRequest("Field 'name' is required", nil)
	}
	outcome, err := a.store.RenameAuthor(ctx, id, name)
	if err != nil {
		return storeErr(err, "rename author", "Author already exists")
	}
	return outcomeErr(outcome, "Author not found, check the id and try again", "Author found, but info for updated has duplicate")
}

func (a *App) DeleteAuthor(ctx context.Context, id int64) error {
	deleted, err := a.store.DeleteAuthor(ctx, id)
	if err != nil {
		return storeErr(err, "delete author", "")
	}
	if !deleted {
		return NotFound("Author not found, check the id and try again", nil)
	}
	return nil
}

// categories

func (a *App) CreateCategory(ctx context.Context, name string) (domain.Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Category{}, BadRequest("Field 'name' is required", nil)
	}
	category, err := a.store.CreateCategory(ctx, domain.Category{Name: name, CreatedAt: a.now()})
	if err != nil {
		return domain.Category{}, storeErr(err, "create category", "Category already exists")
	}
	return category, nil
}

func (a *App) ListCategories(ctx context.Context) ([]domain.Category, error) {
	out, err := a.store.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	return out, nil
}

func (a *App) GetCategory(ctx context.Context, id int64) (domain.Category, error) {
	category, ok, err := a.store.GetCategory(ctx, id)
	if err != nil {
		return domain.Category{}, fmt.Errorf("fetch category: %w", err)
	}
	if !ok {
		return domain.Category{}, NotFound("Category not found, check the id and try again", nil)
	}
	return category, nil
}

func (a *App) RenameCategory(ctx context.Context, id int64, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return BadRequest("Field 'name' is required", nil)
	}
	outcome, err := a.store.RenameCategory(ctx, id, name)
	if err != nil {
		return storeErr(err, "rename category", "Category already exists")
	}
	return outcomeErr(outcome, "Category not found, check the id and try again", "Category found, but info for updated has duplicate")
}

func (a *App) DeleteCategory(ctx context.Context, id int64) error {
	deleted, err := a.store.DeleteCategory(ctx, id)
	if err != nil {
		return storeErr(err, "delete category", "")
	}
	if !deleted {
		return NotFound("Category not found, check the id and try again", nil)
	}
	return nil
}

// books

// NewBook holds the catalog fields of a book. Availability is not settable.
type NewBook struct {
	Title           string
	PublicationYear int
	Rating          float64
	Quantity        int
	Description     string
	AuthorID        int64
	CategoryID      int64
}

// CreateBook adds a book to the catalog. New books start available.
func (a *App) CreateBook(ctx context.Context, nb NewBook) (domain.Book, error) {
	if strings.TrimSpace(nb.Title) == "" {
		return domain.Book{}, BadRequest("Field 'title' is required", nil)
	}
	if err := a.checkBookRefs(ctx, &nb.AuthorID, &nb.CategoryID); err != nil {
		return domain.Book{}, err
	}
	now := a.now()
	book := domain.Book{
		Title:           strings.TrimSpace(nb.Title),
		PublicationYear: nb.PublicationYear,
		Rating:          nb.Rating,
		Quantity:        nb.Quantity,
		Description:     nb.Description,
		AuthorID:        nb.AuthorID,
		CategoryID:      nb.CategoryID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	book.SetStatus(domain.BookAvailable)
	created, err := a.store.CreateBook(ctx, book)
	if err != nil {
		return domain.Book{}, storeErr(err, "create book", "Book already exists")
	}
	return created, nil
}

func (a *App) checkBookRefs(ctx context.Context, authorID, categoryID *int64) error {
	if authorID != nil {
		if _, err := a.GetAuthor(ctx, *authorID); err != nil {
			return err
		}
	}
	if categoryID != nil {
		if _, err := a.GetCategory(ctx, *categoryID); err != nil {
			return err
		}
	}
	return nil
}

// UpdateBook changes catalog fields. Status is owned by circulation and
// cannot be patched here.
func (a *App) UpdateBook(ctx context.Context, id int64, patch store.BookPatch) error {
	if patch.Status != nil {
		return BadRequest("Field 'status' is not allowed", nil)
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return BadRequest("Field 'title' is required", nil)
	}
	if err := a.checkBookRefs(ctx, patch.AuthorID, patch.CategoryID); err != nil {
		return err
	}
	outcome, err := a.store.UpdateBook(ctx, id, patch)
	if err != nil {
		return storeErr(err, "update book", "Book already exists")
	}
	return outcomeErr(outcome, msgBookNotFound, "Book found, but info for updated has duplicate")
}

func (a *App) ListBooks(ctx context.Context) ([]domain.Book, error) {
	out, err := a.store.ListBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return out, nil
}

func (a *App) GetBook(ctx context.Context, id int64) (domain.Book, error) {
	book, ok, err := a.store.GetBook(ctx, id)
	if err != nil {
		return domain.Book{}, fmt.Errorf("fetch book: %w", err)
	}
	if !ok {
		return domain.Book{}, NotFound(msgBookNotFound, nil)
	}
	return book, nil
}

// Availability reports whether a book can be borrowed right now.
func (a *App) Availability(ctx context.Context, id int64) (domain.Availability, error) {
	book, err := a.GetBook(ctx, id)
	if err != nil {
		return domain.Availability{}, err
	}
	return domain.Availability{Title: book.Title, Available: book.Available, Status: book.Status}, nil
}

func (a *App) DeleteBook(ctx context.Context, id int64) error {
	return a.withBook(ctx, id, func(tx store.Store) error {
		deleted, err := tx.DeleteBook(ctx, id)
		if err != nil {
			return storeErr(err, "delete book", "")
		}
		if !deleted {
			return NotFound(msgBookNotFound, nil)
		}
		return nil
	})
}
