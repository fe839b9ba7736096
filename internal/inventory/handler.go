package inventory

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/bonded-wms/stockbalance/internal/platform/httpx"
)

// Handler exposes the snapshot engine over JSON.
type Handler struct {
	logger    *slog.Logger
	engine    *Engine
	checker   *Checker
	reporter  *Reporter
	validator *validator.Validate
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, engine *Engine, checker *Checker, reporter *Reporter) *Handler {
	return &Handler{
		logger:    logger,
		engine:    engine,
		checker:   checker,
		reporter:  reporter,
		validator: httpx.NewValidator(),
	}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/snapshots", h.handleSnapshots)
	r.Post("/recalculate", h.handleRecalculate)
	r.Post("/rebuild", h.handleRebuild)
	r.Get("/availability", h.handleAvailability)
	r.Post("/availability/change", h.handleChangeCheck)
	r.Get("/report", h.handleReport)
}

type keyRequest struct {
	CompanyCode int64  `json:"company_code" validate:"gt=0"`
	ItemType    string `json:"item_type" validate:"required,oneof=ROH HALB FERT HIBE SCRAP"`
	ItemCode    string `json:"item_code" validate:"required,max=64"`
}

func (k keyRequest) key() Key {
	return Key{CompanyCode: k.CompanyCode, ItemType: ItemType(k.ItemType), ItemCode: k.ItemCode}
}

type recalculateRequest struct {
	keyRequest
	ItemName string `json:"item_name" validate:"max=255"`
	UOM      string `json:"uom" validate:"max=16"`
	Date     string `json:"date" validate:"required,datetime=2006-01-02"`
}

type rebuildRequest struct {
	keyRequest
	From string `json:"from" validate:"omitempty,datetime=2006-01-02"`
}

type changeCheckRequest struct {
	keyRequest
	OldQty               decimal.Decimal `json:"old_qty"`
	NewQty               decimal.Decimal `json:"new_qty"`
	Date                 string          `json:"date" validate:"required,datetime=2006-01-02"`
	ExcludeTransactionID int64           `json:"exclude_transaction_id"`
}

type snapshotResponse struct {
	CompanyCode int64           `json:"company_code"`
	ItemType    string          `json:"item_type"`
	ItemCode    string          `json:"item_code"`
	ItemName    string          `json:"item_name"`
	UOM         string          `json:"uom"`
	Date        string          `json:"date"`
	Beginning   decimal.Decimal `json:"beginning_balance"`
	Incoming    decimal.Decimal `json:"incoming_qty"`
	Outgoing    decimal.Decimal `json:"outgoing_qty"`
	Adjustment  decimal.Decimal `json:"adjustment_qty"`
	Ending      decimal.Decimal `json:"ending_balance"`
}

type cascadeResponse struct {
	Dates   int    `json:"dates"`
	Changed int    `json:"changed"`
	Last    string `json:"last,omitempty"`
}

type recalcResponse struct {
	Snapshot *snapshotResponse `json:"snapshot,omitempty"`
	Cascade  cascadeResponse   `json:"cascade"`
}

type availabilityResponse struct {
	CurrentStock      decimal.Decimal `json:"current_stock"`
	Available         bool            `json:"available"`
	Shortfall         decimal.Decimal `json:"shortfall"`
	ProjectedMinimum  decimal.Decimal `json:"projected_minimum"`
	FirstNegativeDate string          `json:"first_negative_date,omitempty"`
}

type reportRowResponse struct {
	ItemType   string          `json:"item_type"`
	ItemCode   string          `json:"item_code"`
	ItemName   string          `json:"item_name"`
	UOM        string          `json:"uom"`
	Beginning  decimal.Decimal `json:"beginning"`
	Incoming   decimal.Decimal `json:"incoming"`
	Outgoing   decimal.Decimal `json:"outgoing"`
	Adjustment decimal.Decimal `json:"adjustment"`
	Ending     decimal.Decimal `json:"ending"`
}

func (h *Handler) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := httpx.FieldErrors{}
	key := keyFromQuery(q, fields)
	from := dateParam(q, "from", true, fields)
	to := dateParam(q, "to", true, fields)
	if len(fields) > 0 {
		httpx.RespondError(w, &httpx.ValidationError{Fields: fields})
		return
	}
	snaps, err := h.engine.Snapshots(r.Context(), key, from, to)
	if err != nil {
		h.fail(w, "list snapshots", err)
		return
	}
	out := make([]snapshotResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, toSnapshotResponse(snap))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *Handler) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	var req recalculateRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, _ := time.Parse(dateLayout, req.Date)
	res, err := h.engine.Recalculate(r.Context(), UpsertInput{
		Key:      req.key(),
		ItemName: req.ItemName,
		UOM:      req.UOM,
		Date:     date,
	})
	if err != nil {
		h.fail(w, "recalculate", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRecalcResponse(res))
}

func (h *Handler) handleRebuild(w http.ResponseWriter, r *http.Request) {
	var req rebuildRequest
	if !h.decode(w, r, &req) {
		return
	}
	var from time.Time
	if req.From != "" {
		from, _ = time.Parse(dateLayout, req.From)
	}
	res, err := h.engine.Rebuild(r.Context(), req.key(), from)
	if err != nil {
		h.fail(w, "rebuild", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRecalcResponse(res))
}

func (h *Handler) handleAvailability(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := httpx.FieldErrors{}
	key := keyFromQuery(q, fields)
	date := dateParam(q, "date", true, fields)
	qty, err := ParseQty(q.Get("qty"))
	if err != nil {
		fields["qty"] = "must be a non-negative quantity with at most 3 decimals"
	}
	if len(fields) > 0 {
		httpx.RespondError(w, &httpx.ValidationError{Fields: fields})
		return
	}
	res, err := h.checker.CheckAvailability(r.Context(), key, qty, date)
	if err != nil {
		h.fail(w, "check availability", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAvailabilityResponse(res))
}

func (h *Handler) handleChangeCheck(w http.ResponseWriter, r *http.Request) {
	var req changeCheckRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, _ := time.Parse(dateLayout, req.Date)
	res, err := h.checker.CheckBalanceWontGoNegative(r.Context(), ChangeCheck{
		Key:                  req.key(),
		OldQty:               req.OldQty,
		NewQty:               req.NewQty,
		Date:                 date,
		ExcludeTransactionID: req.ExcludeTransactionID,
	})
	if err != nil {
		h.fail(w, "check change", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAvailabilityResponse(res))
}

func (h *Handler) handleReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := httpx.FieldErrors{}
	filter := ReportFilter{ItemType: ItemType(q.Get("item_type"))}
	company, err := strconv.ParseInt(q.Get("company_code"), 10, 64)
	if err != nil || company <= 0 {
		fields["company_code"] = "must be a positive integer"
	}
	filter.CompanyCode = company
	filter.From = dateParam(q, "from", true, fields)
	filter.To = dateParam(q, "to", true, fields)
	if len(fields) > 0 {
		httpx.RespondError(w, &httpx.ValidationError{Fields: fields})
		return
	}
	rows, err := h.reporter.MutationReport(r.Context(), filter)
	if err != nil {
		h.fail(w, "mutation report", err)
		return
	}
	out := make([]reportRowResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, reportRowResponse{
			ItemType:   string(row.ItemType),
			ItemCode:   row.ItemCode,
			ItemName:   row.ItemName,
			UOM:        row.UOM,
			Beginning:  row.Beginning,
			Incoming:   row.Incoming,
			Outgoing:   row.Outgoing,
			Adjustment: row.Adjustment,
			Ending:     row.Ending,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"data": out})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return false
	}
	if err := httpx.ValidateStruct(h.validator, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if !isClientError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func isClientError(err error) bool {
	for _, target := range []error{httpx.ErrValidation, httpx.ErrNotFound, httpx.ErrUnprocessable, httpx.ErrConflict} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func keyFromQuery(q url.Values, fields httpx.FieldErrors) Key {
	key := Key{ItemType: ItemType(q.Get("item_type")), ItemCode: q.Get("item_code")}
	company, err := strconv.ParseInt(q.Get("company_code"), 10, 64)
	if err != nil {
		fields["company_code"] = "must be a positive integer"
	}
	key.CompanyCode = company
	var verr *httpx.ValidationError
	if err := key.Validate(); errors.As(err, &verr) {
		for k, v := range verr.Fields {
			if _, exists := fields[k]; !exists {
				fields[k] = v
			}
		}
	}
	return key
}

func dateParam(q url.Values, name string, required bool, fields httpx.FieldErrors) time.Time {
	raw := q.Get(name)
	if raw == "" {
		if required {
			fields[name] = "is required"
		}
		return time.Time{}
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		fields[name] = "must be a date formatted 2006-01-02"
	}
	return t
}

func toSnapshotResponse(snap DailySnapshot) snapshotResponse {
	return snapshotResponse{
		CompanyCode: snap.CompanyCode,
		ItemType:    string(snap.ItemType),
		ItemCode:    snap.ItemCode,
		ItemName:    snap.ItemName,
		UOM:         snap.UOM,
		Date:        snap.Date.Format(dateLayout),
		Beginning:   snap.Balance.Beginning,
		Incoming:    snap.Balance.Incoming,
		Outgoing:    snap.Balance.Outgoing,
		Adjustment:  snap.Balance.Adjustment,
		Ending:      snap.Balance.Ending,
	}
}

func toRecalcResponse(res RecalcResult) recalcResponse {
	out := recalcResponse{Cascade: cascadeResponse{Dates: res.Cascade.Dates, Changed: res.Cascade.Changed}}
	if !res.Cascade.Last.IsZero() {
		out.Cascade.Last = res.Cascade.Last.Format(dateLayout)
	}
	if !res.Snapshot.Date.IsZero() {
		snap := toSnapshotResponse(res.Snapshot)
		out.Snapshot = &snap
	}
	return out
}

func toAvailabilityResponse(a Availability) availabilityResponse {
	out := availabilityResponse{
		CurrentStock:     a.CurrentStock,
		Available:        a.Available,
		Shortfall:        a.Shortfall,
		ProjectedMinimum: a.ProjectedMinimum,
	}
	if a.FirstNegativeDate != nil {
		out.FirstNegativeDate = a.FirstNegativeDate.Format(dateLayout)
	}
	return out
}
