package movements

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/bonded-wms/stockbalance/internal/inventory"
	"github.com/bonded-wms/stockbalance/internal/ledger"
	"github.com/bonded-wms/stockbalance/internal/platform/httpx"
)

// Handler exposes movement writes over JSON.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs the movements handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: httpx.NewValidator()}
}

// MountRoutes registers movement routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.handleCreate)
	r.Get("/{kind}/{id}", h.handleGet)
	r.Put("/{kind}/{id}", h.handleUpdate)
	r.Delete("/{kind}/{id}", h.handleDelete)
}

type createRequest struct {
	Kind        string          `json:"kind" validate:"required"`
	CompanyCode int64           `json:"company_code" validate:"gt=0"`
	ItemType    string          `json:"item_type" validate:"required,oneof=ROH HALB FERT HIBE SCRAP"`
	ItemCode    string          `json:"item_code" validate:"required,max=64"`
	ItemName    string          `json:"item_name" validate:"max=255"`
	UOM         string          `json:"uom" validate:"max=16"`
	Qty         decimal.Decimal `json:"qty"`
	Date        string          `json:"date" validate:"required,datetime=2006-01-02"`
	WMSID       string          `json:"wms_id" validate:"max=64"`
	PPKEK       string          `json:"ppkek" validate:"max=64"`
}

type updateRequest struct {
	ItemName string          `json:"item_name" validate:"max=255"`
	UOM      string          `json:"uom" validate:"max=16"`
	Qty      decimal.Decimal `json:"qty"`
	Date     string          `json:"date" validate:"required,datetime=2006-01-02"`
	WMSID    string          `json:"wms_id" validate:"max=64"`
	PPKEK    string          `json:"ppkek" validate:"max=64"`
}

type movementResponse struct {
	ID          int64           `json:"id"`
	Kind        string          `json:"kind"`
	CompanyCode int64           `json:"company_code"`
	ItemType    string          `json:"item_type"`
	ItemCode    string          `json:"item_code"`
	ItemName    string          `json:"item_name"`
	UOM         string          `json:"uom"`
	Qty         decimal.Decimal `json:"qty"`
	Date        string          `json:"date"`
	WMSID       string          `json:"wms_id,omitempty"`
	PPKEK       string          `json:"ppkek,omitempty"`
}

type insufficientResponse struct {
	httpx.ProblemDetail
	ItemCode     string          `json:"item_code"`
	Date         string          `json:"date"`
	Requested    decimal.Decimal `json:"requested"`
	CurrentStock decimal.Decimal `json:"current_stock"`
	Shortfall    decimal.Decimal `json:"shortfall"`
	NegativeOn   string          `json:"negative_on,omitempty"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, _ := time.Parse("2006-01-02", req.Date)
	m, err := h.service.Create(r.Context(), CreateInput{
		Kind:     ledger.Kind(req.Kind),
		Key:      inventory.Key{CompanyCode: req.CompanyCode, ItemType: inventory.ItemType(req.ItemType), ItemCode: req.ItemCode},
		ItemName: req.ItemName,
		UOM:      req.UOM,
		Qty:      req.Qty,
		Date:     date,
		WMSID:    req.WMSID,
		PPKEK:    req.PPKEK,
	}, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.fail(w, "create movement", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toMovementResponse(m))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := pathParams(w, r)
	if !ok {
		return
	}
	m, err := h.service.Get(r.Context(), kind, id)
	if err != nil {
		h.fail(w, "get movement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toMovementResponse(m))
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := pathParams(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, _ := time.Parse("2006-01-02", req.Date)
	m, err := h.service.Update(r.Context(), UpdateInput{
		Kind:     kind,
		ID:       id,
		ItemName: req.ItemName,
		UOM:      req.UOM,
		Qty:      req.Qty,
		Date:     date,
		WMSID:    req.WMSID,
		PPKEK:    req.PPKEK,
	})
	if err != nil {
		h.fail(w, "update movement", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toMovementResponse(m))
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := pathParams(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), kind, id); err != nil {
		h.fail(w, "delete movement", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func pathParams(w http.ResponseWriter, r *http.Request) (ledger.Kind, int64, bool) {
	kind := ledger.Kind(chi.URLParam(r, "kind"))
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, &httpx.ValidationError{Fields: httpx.FieldErrors{"id": "must be a positive integer"}})
		return "", 0, false
	}
	return kind, id, true
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
	var short *inventory.InsufficientStockError
	if errors.As(err, &short) {
		out := insufficientResponse{
			ProblemDetail: httpx.ProblemDetail{
				Title:  "Insufficient Stock",
				Status: http.StatusUnprocessableEntity,
				Detail: short.Error(),
			},
			ItemCode:     short.Key.ItemCode,
			Date:         short.Date.Format("2006-01-02"),
			Requested:    short.Requested,
			CurrentStock: short.CurrentStock,
			Shortfall:    short.Shortfall,
		}
		if short.NegativeOn != nil {
			out.NegativeOn = short.NegativeOn.Format("2006-01-02")
		}
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(out)
		return
	}
	if !isClientError(err) {
		h.logger.Error(op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func isClientError(err error) bool {
	for _, target := range []error{httpx.ErrValidation, httpx.ErrNotFound, httpx.ErrUnprocessable, httpx.ErrConflict, httpx.ErrDuplicate} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func toMovementResponse(m Movement) movementResponse {
	return movementResponse{
		ID:          m.ID,
		Kind:        string(m.Kind),
		CompanyCode: m.Key.CompanyCode,
		ItemType:    string(m.Key.ItemType),
		ItemCode:    m.Key.ItemCode,
		ItemName:    m.ItemName,
		UOM:         m.UOM,
		Qty:         m.Qty,
		Date:        m.Date.Format("2006-01-02"),
		WMSID:       m.WMSID,
		PPKEK:       m.PPKEK,
	}
}
