package server

import (
	"context"
	"net/http"

	"atlaslibrary/pkg/domain"
	"atlaslibrary/pkg/store"
	"atlaslibrary/services/library/internal/app"
)

type nameRequest struct {
	Name string `json:"name" validate:"required,max=200"`
}

type createBookRequest struct {
	Title           string  `json:"title" validate:"required,max=300"`
	PublicationYear int     `json:"publicationYear" validate:"omitempty,min=0,max=9999"`
	Rating          float64 `json:"rating" validate:"min=0,max=5"`
	Quantity        int     `json:"quantity" validate:"min=0"`
	Description     string  `json:"description"`
	AuthorID        int64   `json:"authorId" validate:"required,gt=0"`
	CategoryID      int64   `json:"categoryId" validate:"required,gt=0"`
}

// updateBookRequest accepts status only so it can be rejected with a clear
// message; availability moves through loans and reservations.
type updateBookRequest struct {
	Title           *string            `json:"title" validate:"omitempty,min=1,max=300"`
	PublicationYear *int               `json:"publicationYear" validate:"omitempty,min=0,max=9999"`
	Rating          *float64           `json:"rating" validate:"omitempty,min=0,max=5"`
	Quantity        *int               `json:"quantity" validate:"omitempty,min=0"`
	Description     *string            `json:"description"`
	AuthorID        *int64             `json:"authorId" validate:"omitempty,gt=0"`
	CategoryID      *int64             `json:"categoryId" validate:"omitempty,gt=0"`
	Available       *bool              `json:"available"`
	Status          *domain.BookStatus `json:"status"`
}

// staffCaller authenticates the request and requires a staff role.
func (s *Server) staffCaller(w http.ResponseWriter, r *http.Request) bool {
	user, ok := s.authorize(w, r)
	if !ok {
		return false
	}
	return requireStaff(w, user)
}

// namedCatalog is the shared contract of authors and categories.
type namedCatalog[T any] struct {
	prefix string
	param  string
	create func(context.Context, string) (T, error)
	list   func(context.Context) ([]T, error)
	get    func(context.Context, int64) (T, error)
	rename func(context.Context, int64, string) error
	remove func(context.Context, int64) error
}

func (c namedCatalog[T]) collection(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			items, err := c.list(r.Context())
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, listResponse(items))
		case http.MethodPost:
			if !s.staffCaller(w, r) {
				return
			}
			var req nameRequest
			if !s.decode(w, r, &req) {
				return
			}
			item, err := c.create(r.Context(), req.Name)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, item)
		default:
			methodNotAllowed(w)
		}
	}
}

func (c namedCatalog[T]) item(s *Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, action, ok := idOrBadRequest(w, r, c.prefix, c.param)
		if !ok {
			return
		}
		if action != "" {
			notFound(w)
			return
		}
		switch r.Method {
		case http.MethodGet:
			item, err := c.get(r.Context(), id)
			if err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, item)
		case http.MethodPatch:
			if !s.staffCaller(w, r) {
				return
			}
			var req nameRequest
			if !s.decode(w, r, &req) {
				return
			}
			if err := c.rename(r.Context(), id, req.Name); err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
		case http.MethodDelete:
			if !s.staffCaller(w, r) {
				return
			}
			if err := c.remove(r.Context(), id); err != nil {
				writeAppError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
		default:
			methodNotAllowed(w)
		}
	}
}

func (s *Server) authors() namedCatalog[domain.Author] {
	return namedCatalog[domain.Author]{
		prefix: "/authors/",
		param:  "authorId",
		create: s.app.CreateAuthor,
		list:   s.app.ListAuthors,
		get:    s.app.GetAuthor,
		rename: s.app.RenameAuthor,
		remove: s.app.DeleteAuthor,
	}
}

func (s *Server) categories() namedCatalog[domain.Category] {
	return namedCatalog[domain.Category]{
		prefix: "/categories/",
		param:  "categoryId",
		create: s.app.CreateCategory,
		list:   s.app.ListCategories,
		get:    s.app.GetCategory,
		rename: s.app.RenameCategory,
		remove: s.app.DeleteCategory,
	}
}

func (s *Server) handleAuthors(w http.ResponseWriter, r *http.Request) {
	s.authors().collection(s)(w, r)
}

func (s *Server) handleAuthorByID(w http.ResponseWriter, r *http.Request) {
	s.authors().item(s)(w, r)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	s.categories().collection(s)(w, r)
}

func (s *Server) handleCategoryByID(w http.ResponseWriter, r *http.Request) {
	s.categories().item(s)(w, r)
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		books, err := s.app.ListBooks(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, listResponse(books))
	case http.MethodPost:
		if !s.staffCaller(w, r) {
			return
		}
		var req createBookRequest
		if !s.decode(w, r, &req) {
			return
		}
		book, err := s.app.CreateBook(r.Context(), app.NewBook{
			Title:           req.Title,
			PublicationYear: req.PublicationYear,
			Rating:          req.Rating,
			Quantity:        req.Quantity,
			Description:     req.Description,
			AuthorID:        req.AuthorID,
			CategoryID:      req.CategoryID,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, book)
	default:
		methodNotAllowed(w)
	}
}

// /books/{id} or /books/{id}/availability
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request) {
	id, action, ok := idOrBadRequest(w, r, "/books/", "bookId")
	if !ok {
		return
	}
	switch action {
	case "":
	case "availability":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		avail, err := s.app.Availability(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, avail)
		return
	default:
		notFound(w)
		return
	}

	switch r.Method {
	case http.MethodGet:
		book, err := s.app.GetBook(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, book)
	case http.MethodPatch:
		if !s.staffCaller(w, r) {
			return
		}
		var req updateBookRequest
		if !s.decode(w, r, &req) {
			return
		}
		if req.Available != nil {
			writeAppError(w, r, app.BadRequest("Field 'available' cannot be updated directly", nil))
			return
		}
		err := s.app.UpdateBook(r.Context(), id, store.BookPatch{
			Title:           req.Title,
			PublicationYear: req.PublicationYear,
			Rating:          req.Rating,
			Quantity:        req.Quantity,
			Description:     req.Description,
			AuthorID:        req.AuthorID,
			CategoryID:      req.CategoryID,
			Status:          req.Status,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	case http.MethodDelete:
		if !s.staffCaller(w, r) {
			return
		}
		if err := s.app.DeleteBook(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}
