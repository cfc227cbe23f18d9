// Package handler содержит HTTP-обработчики локального API демона.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/ledgerpad/internal/backend"
	"github.com/mmeshcher/ledgerpad/internal/middleware"
	"github.com/mmeshcher/ledgerpad/internal/model"
	"github.com/mmeshcher/ledgerpad/internal/money"
	"github.com/mmeshcher/ledgerpad/internal/sync"
	"github.com/mmeshcher/ledgerpad/internal/validation"
)

// Ledger определяет контракт движка синхронизации, используемый обработчиками.
type Ledger interface {
	Items() []model.ItemWithStatus
	LoadError() error
	RealtimeUp() bool
	AddItem(ctx context.Context, name string, priceCents int64, section model.Section, date string, subSection *string) error
	UpdateItem(ctx context.Context, id, name string, priceCents int64) error
	DeleteItem(ctx context.Context, id string) error
}

// Auth определяет контракт машины аутентификации, используемый обработчиками.
type Auth interface {
	State() model.AuthState
	SignIn(ctx context.Context, email, password string) error
	SignUp(ctx context.Context, email, password string) error
	SignOut(ctx context.Context) error
	Resume()
	PurgeLocalData() error
}

// Connectivity отдаёт текущий сетевой статус.
type Connectivity interface {
	IsOnline() bool
}

// PendingCounter отдаёт число операций, ожидающих воспроизведения.
type PendingCounter interface {
	PendingCount() int
}

// Handler реализует HTTP-обработчики локального API.
type Handler struct {
	ledger   Ledger
	auth     Auth
	monitor  Connectivity
	pending  PendingCounter
	logger   *zap.Logger
	authGate *middleware.AuthGate
}

// NewHandler создаёт новый экземпляр обработчика локального API.
func NewHandler(ledger Ledger, auth Auth, monitor Connectivity, pending PendingCounter, logger *zap.Logger, gate *middleware.AuthGate) *Handler {
	return &Handler{
		ledger:   ledger,
		auth:     auth,
		monitor:  monitor,
		pending:  pending,
		logger:   logger,
		authGate: gate,
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignIn выполняет вход по email и паролю.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.auth.SignIn(r.Context(), req.Email, req.Password); err != nil {
		if errors.Is(err, backend.ErrUnauthorized) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("sign in error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// SignUp регистрирует нового пользователя.
func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.auth.SignUp(r.Context(), req.Email, req.Password); err != nil {
		if errors.Is(err, backend.ErrRejected) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("sign up error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// SignOut завершает сессию; локальные учётные данные очищаются даже при
// недоступном бэкенде.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.SignOut(r.Context()); err != nil {
		h.logger.Warn("sign out backend call failed, local credentials cleared", zap.Error(err))
	}
	w.WriteHeader(http.StatusOK)
}

// Resume сообщает о возвращении приложения из фона: таймеры могли быть
// заморожены, машина аутентификации сверяет прошедшее время с предохранительным
// порогом.
func (h *Handler) Resume(w http.ResponseWriter, r *http.Request) {
	h.auth.Resume()
	w.WriteHeader(http.StatusOK)
}

// Purge очищает все локальные данные на устройстве.
func (h *Handler) Purge(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.PurgeLocalData(); err != nil {
		h.logger.Error("purge local data error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type statusResponse struct {
	Auth       model.AuthState `json:"auth"`
	Online     bool            `json:"online"`
	RealtimeUp bool            `json:"realtime_up"`
	Pending    int             `json:"pending_operations"`
	StaleData  bool            `json:"stale_data"`
	LoadError  string          `json:"load_error,omitempty"`
}

// Status возвращает сводное состояние демона: сессию, сеть и очередь.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Auth:       h.auth.State(),
		Online:     h.monitor.IsOnline(),
		RealtimeUp: h.ledger.RealtimeUp(),
		Pending:    h.pending.PendingCount(),
	}

	if err := h.ledger.LoadError(); err != nil {
		resp.LoadError = err.Error()
		resp.StaleData = !errors.Is(err, sync.ErrNoCachedData)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type itemResponse struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Price      string  `json:"price"`
	PriceCents int64   `json:"price_cents"`
	Section    string  `json:"section"`
	SubSection *string `json:"sub_section,omitempty"`
	Date       string  `json:"date"`
	Status     string  `json:"sync_status"`
}

// GetItems возвращает канонический список записей.
func (h *Handler) GetItems(w http.ResponseWriter, r *http.Request) {
	items := h.ledger.Items()

	resp := make([]itemResponse, 0, len(items))
	for _, it := range items {
		resp = append(resp, itemResponse{
			ID:         it.ID,
			Name:       it.Name,
			Price:      money.FormatCents(it.PriceCents),
			PriceCents: it.PriceCents,
			Section:    string(it.Section),
			SubSection: it.SubSection,
			Date:       it.Date,
			Status:     string(it.Status),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

type addItemRequest struct {
	Name       string      `json:"name"`
	Price      json.Number `json:"price"`
	Section    string      `json:"section"`
	SubSection *string     `json:"sub_section,omitempty"`
	Date       string      `json:"date"`
}

// AddItem принимает намерение создать запись. Цена передаётся десятичной
// строкой или числом и конвертируется в минорные единицы без плавающей точки.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	priceCents, err := money.ParseAmount(req.Price.String())
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	err = h.ledger.AddItem(r.Context(), req.Name, priceCents, model.Section(req.Section), req.Date, req.SubSection)
	if err != nil {
		if isValidationError(err) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.logger.Error("add item error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

type updateItemRequest struct {
	Name  string      `json:"name"`
	Price json.Number `json:"price"`
}

// UpdateItem изменяет название и цену записи.
func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateItemRequest
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	priceCents, err := money.ParseAmount(req.Price.String())
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	if err := h.ledger.UpdateItem(r.Context(), id, req.Name, priceCents); err != nil {
		switch {
		case errors.Is(err, sync.ErrItemNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case isValidationError(err):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("update item error", zap.Error(err), zap.String("id", id))
			http.Error(w, err.Error(), http.StatusBadGateway)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// DeleteItem удаляет запись.
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.ledger.DeleteItem(r.Context(), id); err != nil {
		if errors.Is(err, sync.ErrItemNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("delete item error", zap.Error(err), zap.String("id", id))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func isValidationError(err error) bool {
	return errors.Is(err, validation.ErrEmptyName) ||
		errors.Is(err, validation.ErrNameTooLong) ||
		errors.Is(err, validation.ErrNegativePrice) ||
		errors.Is(err, validation.ErrInvalidSection) ||
		errors.Is(err, validation.ErrInvalidDate)
}
