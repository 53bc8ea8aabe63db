package financing

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradefin/tradefin/internal/platform/httpx"
	"github.com/tradefin/tradefin/internal/shared"
)

const dateLayout = "2006-01-02"

// Handler exposes the financing lifecycle as a JSON API.
type Handler struct {
	logger  *slog.Logger
	service *Service
	keys    httpx.KeyStore
}

// NewHandler creates a new handler. keys may be nil to disable idempotency keys.
func NewHandler(logger *slog.Logger, service *Service, keys httpx.KeyStore) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, keys: keys}
}

// MountRoutes registers routes under the API prefix.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices", func(r chi.Router) {
		r.With(httpx.Idempotent(h.keys, "invoices", h.logger)).Post("/", h.submitInvoice)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getInvoice)
			r.Post("/review", h.reviewInvoice)
			r.Post("/assign", h.assignInvoice)
			r.Post("/archive", h.archiveInvoice)
			r.Post("/write-off", h.writeOffInvoice)
			r.Post("/offers", h.issueOffer)
			r.Get("/offers", h.listOffers)
			r.Get("/fundings", h.listFundings)
			r.With(httpx.Idempotent(h.keys, "manual_payments", h.logger)).Post("/manual-payments", h.recordManualPayment)
			r.Post("/schedule", h.createSchedule)
			r.Get("/schedule", h.getSchedule)
		})
	})
	r.Route("/offers/{id}", func(r chi.Router) {
		r.Get("/", h.getOffer)
		r.Post("/accept", h.acceptOffer)
		r.Post("/decline", h.declineOffer)
	})
	r.Post("/fundings/{id}/execute", h.executeFunding)
	r.Route("/repayments", func(r chi.Router) {
		r.With(httpx.Idempotent(h.keys, "repayments", h.logger)).Post("/", h.recordRepayment)
		r.Get("/{id}", h.getRepayment)
		r.Post("/{id}/allocate", h.allocate)
	})
}

type submitInvoiceRequest struct {
	SupplierID    int64           `json:"supplier_id"`
	BuyerID       int64           `json:"buyer_id"`
	InvoiceNumber string          `json:"invoice_number"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	DueDate       string          `json:"due_date"`
	DocumentRef   string          `json:"document_ref"`
	Priority      string          `json:"priority"`
}

type assignRequest struct {
	AssignedTo int64  `json:"assigned_to"`
	Priority   string `json:"priority"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type manualPaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Date   string          `json:"date"`
}

type repaymentRequest struct {
	BuyerID       int64           `json:"buyer_id"`
	Amount        decimal.Decimal `json:"amount"`
	ReceivedDate  string          `json:"received_date"`
	BankReference string          `json:"bank_reference"`
	Allocate      bool            `json:"allocate"`
}

type repaymentResponse struct {
	ReceivedRepayment
	Allocations []RepaymentAllocation `json:"allocations"`
}

func (h *Handler) submitInvoice(w http.ResponseWriter, r *http.Request) {
	var req submitInvoiceRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	due, err := parseDate(req.DueDate, "due_date")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.SubmitInvoice(r.Context(), actorFrom(r), SubmitInvoiceInput{
		SupplierID:    req.SupplierID,
		BuyerID:       req.BuyerID,
		InvoiceNumber: req.InvoiceNumber,
		Amount:        req.Amount,
		Currency:      req.Currency,
		DueDate:       due,
		DocumentRef:   req.DocumentRef,
		Priority:      req.Priority,
	})
	if err != nil {
		h.fail(w, r, "submit invoice", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) reviewInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req ReviewInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.ReviewInvoice(r.Context(), actorFrom(r), id, req)
	if err != nil {
		h.fail(w, r, "review invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) assignInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req assignRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.AssignInvoice(r.Context(), actorFrom(r), id, req.AssignedTo, req.Priority)
	if err != nil {
		h.fail(w, r, "assign invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) archiveInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	inv, err := h.service.ArchiveInvoice(r.Context(), actorFrom(r), id)
	if err != nil {
		h.fail(w, r, "archive invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) writeOffInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	inv, err := h.service.WriteOffInvoice(r.Context(), actorFrom(r), id, req.Reason)
	if err != nil {
		h.fail(w, r, "write off invoice", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) issueOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req GradeInputs
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	offer, err := h.service.IssueOffer(r.Context(), actorFrom(r), id, req)
	if err != nil {
		h.fail(w, r, "issue offer", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, offer)
}

func (h *Handler) listOffers(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	offers, err := h.service.ListOffers(r.Context(), id)
	if err != nil {
		h.fail(w, r, "list offers", err)
		return
	}
	if offers == nil {
		offers = []Offer{}
	}
	httpx.JSON(w, http.StatusOK, offers)
}

func (h *Handler) listFundings(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	fundings, err := h.service.ListFundings(r.Context(), id)
	if err != nil {
		h.fail(w, r, "list fundings", err)
		return
	}
	if fundings == nil {
		fundings = []Funding{}
	}
	httpx.JSON(w, http.StatusOK, fundings)
}

func (h *Handler) getOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	offer, err := h.service.GetOffer(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get offer", err)
		return
	}
	httpx.JSON(w, http.StatusOK, offer)
}

func (h *Handler) acceptOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	funding, err := h.service.AcceptOffer(r.Context(), actorFrom(r), id)
	if err != nil {
		h.fail(w, r, "accept offer", err)
		return
	}
	httpx.JSON(w, http.StatusOK, funding)
}

func (h *Handler) declineOffer(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req reasonRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	if err := h.service.DeclineOffer(r.Context(), actorFrom(r), id, req.Reason); err != nil {
		h.fail(w, r, "decline offer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recordManualPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req manualPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	var date *time.Time
	if req.Date != "" {
		parsed, err := parseDate(req.Date, "date")
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		date = &parsed
	}
	funding, err := h.service.RecordManualPayment(r.Context(), actorFrom(r), id, req.Amount, date)
	if err != nil {
		h.fail(w, r, "record manual payment", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, funding)
}

func (h *Handler) executeFunding(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	funding, err := h.service.ExecuteFunding(r.Context(), actorFrom(r), id)
	if err != nil {
		h.fail(w, r, "execute funding", err)
		return
	}
	httpx.JSON(w, http.StatusOK, funding)
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req ScheduleInput
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.CreateRepaymentSchedule(r.Context(), actorFrom(r), id, req)
	if err != nil {
		h.fail(w, r, "create schedule", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rows)
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	rows, err := h.service.GetRepaymentSchedule(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get schedule", err)
		return
	}
	if rows == nil {
		rows = []ExpectedRepayment{}
	}
	httpx.JSON(w, http.StatusOK, rows)
}

func (h *Handler) recordRepayment(w http.ResponseWriter, r *http.Request) {
	var req repaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	received, err := parseDate(req.ReceivedDate, "received_date")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rec, err := h.service.RecordReceivedRepayment(r.Context(), actorFrom(r), RecordRepaymentInput{
		BuyerID:       req.BuyerID,
		Amount:        req.Amount,
		ReceivedDate:  received,
		BankReference: req.BankReference,
		AllocateNow:   req.Allocate,
	})
	if err != nil {
		h.fail(w, r, "record repayment", err)
		return
	}
	allocations, err := h.service.ListAllocations(r.Context(), rec.ID)
	if err != nil {
		h.fail(w, r, "list allocations", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, repaymentResponse{ReceivedRepayment: rec, Allocations: nonNil(allocations)})
}

func (h *Handler) getRepayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	rec, err := h.service.GetReceivedRepayment(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get repayment", err)
		return
	}
	allocations, err := h.service.ListAllocations(r.Context(), id)
	if err != nil {
		h.fail(w, r, "list allocations", err)
		return
	}
	httpx.JSON(w, http.StatusOK, repaymentResponse{ReceivedRepayment: rec, Allocations: nonNil(allocations)})
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	allocations, err := h.service.Allocate(r.Context(), actorFrom(r), id)
	if err != nil {
		h.fail(w, r, "allocate repayment", err)
		return
	}
	httpx.JSON(w, http.StatusOK, nonNil(allocations))
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid id", shared.ErrValidation))
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if status, _ := httpx.StatusFor(err); status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed", slog.Any("error", err), slog.String("path", r.URL.Path))
	}
	httpx.RespondError(w, err)
}

func actorFrom(r *http.Request) shared.ActorContext {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor
}

func parseDate(raw, field string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s required", shared.ErrValidation, field)
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD", shared.ErrValidation, field)
	}
	return t, nil
}

func nonNil(in []RepaymentAllocation) []RepaymentAllocation {
	if in == nil {
		return []RepaymentAllocation{}
	}
	return in
}
