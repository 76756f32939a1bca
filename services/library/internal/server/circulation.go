package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"atlaslibrary/pkg/domain"
	"atlaslibrary/pkg/store"
	"atlaslibrary/services/library/internal/app"
	"atlaslibrary/services/library/internal/scheduler"
)

type loanRequest struct {
	BookID int64 `json:"bookId" validate:"required,gt=0"`
	UserID int64 `json:"userId" validate:"required,gt=0"`
}

type returnLoanRequest struct {
	Returned *bool `json:"returned" validate:"required"`
}

type updateReservationRequest struct {
	BookID         *int64     `json:"bookId" validate:"omitempty,gt=0"`
	UserID         *int64     `json:"userId" validate:"omitempty,gt=0"`
	Active         *bool      `json:"active"`
	ExpirationDate *time.Time `json:"reservationExpirationDate"`
}

type fineRequest struct {
	UserID int64 `json:"userId" validate:"required,gt=0"`
	BookID int64 `json:"bookId" validate:"required,gt=0"`
	LoanID int64 `json:"loanId" validate:"required,gt=0"`
}

type payFineRequest struct {
	Paid        *bool      `json:"paid" validate:"required"`
	PaymentDate *time.Time `json:"paymentDate"`
	LoanID      int64      `json:"loanId" validate:"required,gt=0"`
}

// userScope handles "/{prefix}/user/{userId}" and reports whether it did.
func userScope(w http.ResponseWriter, r *http.Request, prefix string, caller domain.User) (int64, bool, bool) {
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	if !strings.HasPrefix(rest, "user/") && rest != "user" {
		return 0, false, false
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return 0, false, true
	}
	id, action, ok := idOrBadRequest(w, r, prefix+"user/", "userId")
	if !ok {
		return 0, false, true
	}
	if action != "" {
		notFound(w)
		return 0, false, true
	}
	if !requireSelfOrStaff(w, caller, id) {
		return 0, false, true
	}
	return id, true, true
}

// loans

func (s *Server) handleLoans(w http.ResponseWriter, r *http.Request, caller domain.User) {
	switch r.Method {
	case http.MethodGet:
		if !requireStaff(w, caller) {
			return
		}
		loans, err := s.app.ListLoans(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, listResponse(loans))
	case http.MethodPost:
		var req loanRequest
		if !s.decode(w, r, &req) {
			return
		}
		if !requireSelfOrStaff(w, caller, req.UserID) {
			return
		}
		loan, err := s.app.CreateLoan(r.Context(), req.BookID, req.UserID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, loan)
	default:
		methodNotAllowed(w)
	}
}

// /loans/{id}, /loans/{id}/return, /loans/{id}/extend or /loans/user/{userId}
func (s *Server) handleLoanByID(w http.ResponseWriter, r *http.Request, caller domain.User) {
	if userID, ok, handled := userScope(w, r, "/loans/", caller); handled {
		if ok {
			s.handleUserLoans(w, r, userID)
		}
		return
	}
	id, action, ok := idOrBadRequest(w, r, "/loans/", "loanId")
	if !ok {
		return
	}
	switch action {
	case "":
	case "return":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w)
			return
		}
		if !requireStaff(w, caller) {
			return
		}
		var req returnLoanRequest
		if !s.decode(w, r, &req) {
			return
		}
		if err := s.app.ReturnLoan(r.Context(), id, *req.Returned); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "returned"})
		return
	case "extend":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w)
			return
		}
		loan, err := s.app.GetLoan(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if !requireSelfOrStaff(w, caller, loan.UserID) {
			return
		}
		due, err := s.app.ExtendLoan(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"returnDate": due})
		return
	default:
		notFound(w)
		return
	}

	switch r.Method {
	case http.MethodGet:
		loan, err := s.app.GetLoan(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if !requireSelfOrStaff(w, caller, loan.UserID) {
			return
		}
		writeJSON(w, http.StatusOK, loan)
	case http.MethodDelete:
		if caller.Role != domain.RoleAdmin {
			writeForbidden(w)
			return
		}
		if err := s.app.DeleteLoan(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		s.audit(r, "library.loan.delete", "success", "user_id", caller.ID, "loan_id", id)
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUserLoans(w http.ResponseWriter, r *http.Request, userID int64) {
	q := r.URL.Query()
	var filter store.LoanFilter
	if raw := strings.TrimSpace(q.Get("returned")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeAppError(w, r, app.BadRequest("Query 'returned' must be true or false", nil))
			return
		}
		filter.Returned = &v
	}
	if raw := strings.TrimSpace(q.Get("date")); raw != "" {
		day, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			writeAppError(w, r, app.BadRequest("Query 'date' must be YYYY-MM-DD", nil))
			return
		}
		filter.LoanedOn = &day
	}
	loans, err := s.app.ListUserLoans(r.Context(), userID, filter)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(loans))
}

// reservations

func (s *Server) handleReservations(w http.ResponseWriter, r *http.Request, caller domain.User) {
	switch r.Method {
	case http.MethodGet:
		if !requireStaff(w, caller) {
			return
		}
		items, err := s.app.ListReservations(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, listResponse(items))
	case http.MethodPost:
		var req loanRequest
		if !s.decode(w, r, &req) {
			return
		}
		if !requireSelfOrStaff(w, caller, req.UserID) {
			return
		}
		res, err := s.app.CreateReservation(r.Context(), req.BookID, req.UserID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	default:
		methodNotAllowed(w)
	}
}

// /reservations/{id} or /reservations/user/{userId}
func (s *Server) handleReservationByID(w http.ResponseWriter, r *http.Request, caller domain.User) {
	if userID, ok, handled := userScope(w, r, "/reservations/", caller); handled {
		if !ok {
			return
		}
		items, err := s.app.ListUserReservations(r.Context(), userID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, listResponse(items))
		return
	}
	id, action, ok := idOrBadRequest(w, r, "/reservations/", "reservationId")
	if !ok {
		return
	}
	if action != "" {
		notFound(w)
		return
	}
	switch r.Method {
	case http.MethodGet, http.MethodDelete:
		res, err := s.app.GetReservation(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if !requireSelfOrStaff(w, caller, res.UserID) {
			return
		}
		if r.Method == http.MethodGet {
			writeJSON(w, http.StatusOK, res)
			return
		}
		if err := s.app.DeleteReservation(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	case http.MethodPatch:
		if !requireStaff(w, caller) {
			return
		}
		var req updateReservationRequest
		if !s.decode(w, r, &req) {
			return
		}
		if req.BookID == nil && req.UserID == nil && req.Active == nil && req.ExpirationDate == nil {
			writeAppError(w, r, app.BadRequest("Missing request body. Please provide the necessary data in the request body", nil))
			return
		}
		err := s.app.UpdateReservation(r.Context(), id, store.ReservationPatch{
			BookID:         req.BookID,
			UserID:         req.UserID,
			Active:         req.Active,
			ExpirationDate: req.ExpirationDate,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
	default:
		methodNotAllowed(w)
	}
}

// fines

func (s *Server) handleFines(w http.ResponseWriter, r *http.Request, _ domain.User) {
	switch r.Method {
	case http.MethodGet:
		fines, err := s.app.ListFines(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, listResponse(fines))
	case http.MethodPost:
		var req fineRequest
		if !s.decode(w, r, &req) {
			return
		}
		fine, err := s.app.CreateFine(r.Context(), req.UserID, req.BookID, req.LoanID)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, fine)
	default:
		methodNotAllowed(w)
	}
}

// /fines/{id}, /fines/{id}/pay or /fines/user/{userId}
func (s *Server) handleFineByID(w http.ResponseWriter, r *http.Request, caller domain.User) {
	if userID, ok, handled := userScope(w, r, "/fines/", caller); handled {
		if !ok {
			return
		}
		filters := make(map[string]string)
		for key, values := range r.URL.Query() {
			if len(values) > 0 {
				filters[key] = values[0]
			}
		}
		fines, err := s.app.ListUserFines(r.Context(), userID, filters)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, listResponse(fines))
		return
	}
	id, action, ok := idOrBadRequest(w, r, "/fines/", "fineId")
	if !ok {
		return
	}
	switch action {
	case "":
	case "pay":
		if r.Method != http.MethodPatch {
			methodNotAllowed(w)
			return
		}
		if !requireStaff(w, caller) {
			return
		}
		var req payFineRequest
		if !s.decode(w, r, &req) {
			return
		}
		err := s.app.PayFine(r.Context(), id, app.Payment{
			Paid:        *req.Paid,
			PaymentDate: req.PaymentDate,
			LoanID:      req.LoanID,
		})
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
		return
	default:
		notFound(w)
		return
	}

	switch r.Method {
	case http.MethodGet:
		fine, err := s.app.GetFine(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		if !requireSelfOrStaff(w, caller, fine.UserID) {
			return
		}
		writeJSON(w, http.StatusOK, fine)
	case http.MethodDelete:
		if caller.Role != domain.RoleAdmin {
			writeForbidden(w)
			return
		}
		if err := s.app.DeleteFine(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

// sweeps

func (s *Server) handleSweeps(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeAppError(w, r, app.BadRequest("Query 'limit' must be a positive number", nil))
			return
		}
		limit = n
	}
	runs, err := s.app.ListSweepRuns(r.Context(), limit)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse(runs))
}

func (s *Server) handleRunSweep(w http.ResponseWriter, r *http.Request, caller domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var (
		run    domain.SweepRun
		shared bool
		err    error
	)
	if s.scheduler != nil {
		run, shared, err = s.scheduler.RunNow(r.Context(), scheduler.TriggerManual)
	} else {
		run, err = s.app.RunSweep(r.Context(), scheduler.TriggerManual)
	}
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "library.sweep.run", "success", "user_id", caller.ID, "run_id", run.ID, "shared", shared)
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "shared": shared})
}
