package pricing

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradefin/tradefin/internal/platform/httpx"
)

// Handler serves read-only pricing previews.
type Handler struct {
	engine *Engine
	rules  RuleSource
	now    func() time.Time
}

// NewHandler builds the handler. rules may be nil.
func NewHandler(engine *Engine, rules RuleSource) *Handler {
	return &Handler{engine: engine, rules: rules, now: time.Now}
}

// MountRoutes registers the pricing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/pricing/quote", h.quote)
	r.Get("/pricing/rules", h.listRules)
}

func (h *Handler) quote(w http.ResponseWriter, r *http.Request) {
	in, err := parseQuery(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rules, err := h.activeRules(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	snap, err := h.engine.Quote(in, rules, h.now())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.activeRules(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if rules == nil {
		rules = []OverrideRule{}
	}
	httpx.JSON(w, http.StatusOK, rules)
}

func (h *Handler) activeRules(r *http.Request) ([]OverrideRule, error) {
	if h.rules == nil {
		return nil, nil
	}
	return h.rules.ActiveRules(r.Context())
}

func parseQuery(r *http.Request) (Input, error) {
	q := r.URL.Query()
	amount, err := decimal.NewFromString(q.Get("amount"))
	if err != nil {
		return Input{}, fmt.Errorf("%w: amount must be a number", ErrInvalidInput)
	}
	due, err := time.Parse("2006-01-02", q.Get("due_date"))
	if err != nil {
		return Input{}, fmt.Errorf("%w: due_date must be YYYY-MM-DD", ErrInvalidInput)
	}
	in := Input{
		Amount:        amount,
		DueDate:       due,
		SupplierGrade: ParseGrade(q.Get("supplier_grade")),
		BuyerGrade:    ParseGrade(q.Get("buyer_grade")),
		DefaultRate:   decimal.Zero,
	}
	if raw := q.Get("default_rate"); raw != "" {
		if in.DefaultRate, err = decimal.NewFromString(raw); err != nil {
			return Input{}, fmt.Errorf("%w: default_rate must be a number", ErrInvalidInput)
		}
	}
	if raw := q.Get("vip"); raw != "" {
		if in.VIP, err = strconv.ParseBool(raw); err != nil {
			return Input{}, fmt.Errorf("%w: vip must be a boolean", ErrInvalidInput)
		}
	}
	return in, nil
}
