// Package handler exposes the cart engine over HTTP as a JSON API.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dukerupert/kurv/internal/cart"
	"github.com/dukerupert/kurv/internal/domain"
	"github.com/dukerupert/kurv/internal/money"
	"github.com/dukerupert/kurv/internal/retry"
	"github.com/dukerupert/kurv/internal/telemetry"
)

// CartHandler handles all cart routes
type CartHandler struct {
	manager  *cart.Manager
	migrator *cart.Migrator
	retryCfg retry.Config
	metrics  *telemetry.CartMetrics
	logger   *slog.Logger
}

// NewCartHandler creates a new cart handler
func NewCartHandler(manager *cart.Manager, migrator *cart.Migrator, retryCfg retry.Config, metrics *telemetry.CartMetrics, logger *slog.Logger) *CartHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &CartHandler{
		manager:  manager,
		migrator: migrator,
		retryCfg: retryCfg,
		metrics:  metrics,
		logger:   logger,
	}
}

// Register wires the cart routes onto the echo instance.
func (h *CartHandler) Register(e *echo.Echo) {
	e.GET("/cart", h.View)
	e.POST("/cart/items", h.AddItem)
	e.PATCH("/cart/items/:id", h.UpdateItem)
	e.DELETE("/cart/items/:id", h.RemoveItem)
	e.DELETE("/cart", h.Clear)
	e.POST("/cart/conditions", h.AddCondition)
	e.DELETE("/cart/conditions/:name", h.RemoveCondition)
	e.POST("/cart/merge", h.Merge)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

type associationPayload struct {
	Type string `json:"type" validate:"required"`
	ID   string `json:"id" validate:"required"`
}

type addItemRequest struct {
	ID          string              `json:"id" validate:"required"`
	Name        string              `json:"name" validate:"required"`
	Price       int64               `json:"price" validate:"gte=0"`
	Quantity    int                 `json:"quantity" validate:"gte=1"`
	Attributes  map[string]any      `json:"attributes"`
	Association *associationPayload `json:"association"`
}

type updateItemRequest struct {
	Name       *string        `json:"name"`
	Price      *int64         `json:"price"`
	Quantity   *int           `json:"quantity"`
	Attributes map[string]any `json:"attributes"`
}

type conditionRequest struct {
	Name   string         `json:"name" validate:"required"`
	Type   string         `json:"type" validate:"required"`
	Target string         `json:"target" validate:"required"`
	Value  string         `json:"value" validate:"required"`
	Order  int            `json:"order"`
	ItemID string         `json:"item_id"`
	Attrs  map[string]any `json:"attributes"`
}

type mergeRequest struct {
	SourceIdentifier string `json:"source_identifier" validate:"required"`
}

type conditionPayload struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Target string `json:"target"`
	Value  string `json:"value"`
	Order  int    `json:"order"`
}

type itemPayload struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Price        int64               `json:"price"`
	PriceDisplay string              `json:"price_display"`
	Quantity     int                 `json:"quantity"`
	Subtotal     int64               `json:"subtotal"`
	Attributes   map[string]any      `json:"attributes,omitempty"`
	Conditions   []conditionPayload  `json:"conditions,omitempty"`
	Assoc        *associationPayload `json:"association,omitempty"`
}

type cartPayload struct {
	Identifier      string             `json:"identifier"`
	Instance        string             `json:"instance"`
	Items           []itemPayload      `json:"items"`
	Conditions      []conditionPayload `json:"conditions"`
	Subtotal        int64              `json:"subtotal"`
	SubtotalDisplay string             `json:"subtotal_display"`
	Total           int64              `json:"total"`
	TotalDisplay    string             `json:"total_display"`
	TotalQuantity   int                `json:"total_quantity"`
}

// View handles GET /cart
func (h *CartHandler) View(c echo.Context) error {
	ctx := c.Request().Context()

	crt, err := h.currentCart(c)
	if err != nil {
		return h.renderError(c, err)
	}

	summary, err := crt.Summary(ctx)
	if err != nil {
		return h.renderError(c, err)
	}

	if h.metrics != nil {
		h.metrics.CartValue.WithLabelValues(crt.Instance()).Observe(float64(summary.Total))
		h.metrics.ItemsPerCart.WithLabelValues(crt.Instance()).Observe(float64(len(summary.Items)))
	}

	return c.JSON(http.StatusOK, toCartPayload(summary))
}

// AddItem handles POST /cart/items
func (h *CartHandler) AddItem(c echo.Context) error {
	ctx := c.Request().Context()

	var req addItemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	crt, err := h.currentCart(c)
	if err != nil {
		return h.renderError(c, err)
	}

	spec := cart.ItemSpec{
		ID:         req.ID,
		Name:       req.Name,
		UnitPrice:  money.Amount(req.Price),
		Quantity:   req.Quantity,
		Attributes: req.Attributes,
	}
	if req.Association != nil {
		spec.Association = &cart.Association{Type: req.Association.Type, ID: req.Association.ID}
	}

	var added cart.Item
	err = h.withRetry(ctx, "add", crt.Instance(), func(ctx context.Context) error {
		var opErr error
		added, opErr = crt.Add(ctx, spec)
		return opErr
	})
	if err != nil {
		return h.renderError(c, err)
	}

	if h.metrics != nil {
		h.metrics.ItemsAdded.WithLabelValues(crt.Instance()).Add(float64(req.Quantity))
	}

	return c.JSON(http.StatusCreated, toItemPayload(added))
}

// UpdateItem handles PATCH /cart/items/:id
func (h *CartHandler) UpdateItem(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	var req updateItemRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}

	crt, err := h.currentCart(c)
	if err != nil {
		return h.renderError(c, err)
	}

	patch := cart.ItemPatch{
		Name:       req.Name,
		Quantity:   req.Quantity,
		Attributes: req.Attributes,
	}
	if req.Price != nil {
		price := money.Amount(*req.Price)
		patch.UnitPrice = &price
	}

	var updated cart.Item
	err = h.withRetry(ctx, "update", crt.Instance(), func(ctx context.Context) error {
		var opErr error
		updated, opErr = crt.Update(ctx, id, patch)
		return opErr
	})
	if err != nil {
		return h.renderError(c, err)
	}

	return c.JSON(http.StatusOK, toItemPayload(updated))
}

// RemoveItem handles DELETE /cart/items/:id
func (h *CartHandler) RemoveItem(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	crt, err := h.currentCart(c)
	if err != nil {
		return h.renderError(c, err)
	}

	err = h.withRetry(ctx, "remove", crt.Instance(), func(ctx context.Context) error {
		return crt.Remove(ctx, id)
	})
	if err != nil {
		return h.renderError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

// Clear handles DELETE /cart
func (h *CartHandler) Clear(c echo.Context) error {
	ctx := c.Request().Context()

	crt, err := h.currentCart(c)
	if err != nil {
		return h.renderError(c, err)
	}

	if err := crt.Clear(ctx); err != nil {
		return h.renderError(c, err)
	}

	if h.metrics != nil {
		h.metrics.Clears.WithLabelValues(crt.Instance()).Inc()
	}

	return c.NoContent(http.StatusNoContent)
}

// AddCondition handles POST /cart/conditions
func (h *CartHandler) AddCondition(c echo.Context) error {
	ctx := c.Request().Context()

	var req conditionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	cond, err := cart.NewCondition(cart.ConditionSpec{
		Name:       req.Name,
		Type:       cart.ConditionType(req.Type),
		Target:     cart.ConditionTarget(req.Target),
		Value:      req.Value,
		Order:      req.Order,
		Attributes: req.Attrs,
	})
	if err != nil {
		return h.renderError(c, err)
	}

	crt, err := h.currentCart(c)
	if err != nil {
		return h.renderError(c, err)
	}

	op := "condition_add"
	err = h.withRetry(ctx, op, crt.Instance(), func(ctx context.Context) error {
		if req.ItemID != "" {
			return crt.ApplyItemCondition(ctx, req.ItemID, cond)
		}
		return crt.ApplyCondition(ctx, cond)
	})
	if err != nil {
		return h.renderError(c, err)
	}

	return c.NoContent(http.StatusCreated)
}

// RemoveCondition handles DELETE /cart/conditions/:name
func (h *CartHandler) RemoveCondition(c echo.Context) error {
	ctx := c.Request().Context()
	name := c.Param("name")
	itemID := c.QueryParam("item_id")

	crt, err := h.currentCart(c)
	if err != nil {
		return h.renderError(c, err)
	}

	err = h.withRetry(ctx, "condition_remove", crt.Instance(), func(ctx context.Context) error {
		if itemID != "" {
			return crt.RemoveItemCondition(ctx, itemID, name)
		}
		return crt.RemoveCondition(ctx, name)
	})
	if err != nil {
		return h.renderError(c, err)
	}

	return c.NoContent(http.StatusNoContent)
}

// Merge handles POST /cart/merge, moving a guest cart onto the caller's
// identifier after login.
func (h *CartHandler) Merge(c echo.Context) error {
	ctx := c.Request().Context()

	var req mergeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	crt, err := h.currentCart(c)
	if err != nil {
		return h.renderError(c, err)
	}

	result, err := h.migrator.Swap(ctx, req.SourceIdentifier, crt.Identifier(), crt.Instance())
	strategy := string(h.migrator.Strategy())
	if err != nil {
		if h.metrics != nil {
			h.metrics.Merges.WithLabelValues(strategy, "error").Inc()
		}
		return h.renderError(c, err)
	}

	if h.metrics != nil {
		outcome := "merged"
		if !result.Merged {
			outcome = "noop"
		}
		h.metrics.Merges.WithLabelValues(strategy, outcome).Inc()
	}

	return c.JSON(http.StatusOK, map[string]any{
		"merged":            result.Merged,
		"items_merged":      result.ItemsMerged,
		"conditions_merged": result.ConditionsMerged,
		"had_conflicts":     result.HadConflicts,
	})
}

// currentCart resolves the caller's cart, honoring an explicit ?instance=
// selection.
func (h *CartHandler) currentCart(c echo.Context) (*cart.Cart, error) {
	ctx := c.Request().Context()

	crt, err := h.manager.Current(ctx)
	if err != nil {
		return nil, err
	}
	if instance := c.QueryParam("instance"); instance != "" && instance != crt.Instance() {
		crt = h.manager.CartFor(crt.Identifier(), instance)
	}
	return crt, nil
}

// withRetry runs a mutation under conflict retry, feeding the retry and
// mutation metrics.
func (h *CartHandler) withRetry(ctx context.Context, op, instance string, fn func(ctx context.Context) error) error {
	cfg := h.retryCfg
	cfg.Notify = func(attempt int, profile retry.Profile, err error) {
		if h.metrics != nil {
			h.metrics.VersionConflicts.WithLabelValues(op).Inc()
			h.metrics.RetryAttempts.WithLabelValues(string(profile)).Inc()
		}
	}

	err := retry.Do(ctx, cfg, fn)

	if h.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if domain.IsConflict(err) {
				h.metrics.RetryExhausted.WithLabelValues(op).Inc()
			}
		}
		h.metrics.Mutations.WithLabelValues(instance, op, outcome).Inc()
	}

	return err
}

func (h *CartHandler) renderError(c echo.Context, err error) error {
	code := domain.ErrorCode(err)
	status := statusFor(code)

	if status >= http.StatusInternalServerError {
		h.logger.Error("cart request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"error", err,
		)
	}

	return c.JSON(status, map[string]string{
		"code":  code,
		"error": domain.ErrorMessage(err),
	})
}

func statusFor(code string) int {
	switch code {
	case domain.EINVALID:
		return http.StatusBadRequest
	case domain.ENOTFOUND:
		return http.StatusNotFound
	case domain.ECONFLICT:
		return http.StatusConflict
	case domain.ELIMIT:
		return http.StatusRequestEntityTooLarge
	case domain.EUNAVAILABLE:
		return http.StatusServiceUnavailable
	case domain.ENOTIMPL:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func toCartPayload(s cart.Summary) cartPayload {
	items := make([]itemPayload, 0, len(s.Items))
	for _, it := range s.Items {
		items = append(items, toItemPayload(it))
	}
	conds := make([]conditionPayload, 0, len(s.Conditions))
	for _, cond := range s.Conditions {
		conds = append(conds, toConditionPayload(cond))
	}
	return cartPayload{
		Identifier:      s.Identifier,
		Instance:        s.Instance,
		Items:           items,
		Conditions:      conds,
		Subtotal:        int64(s.Subtotal),
		SubtotalDisplay: money.Format(s.Subtotal),
		Total:           int64(s.Total),
		TotalDisplay:    money.Format(s.Total),
		TotalQuantity:   s.TotalQuantity,
	}
}

func toItemPayload(it cart.Item) itemPayload {
	p := itemPayload{
		ID:           it.ID(),
		Name:         it.Name(),
		Price:        int64(it.UnitPrice()),
		PriceDisplay: money.Format(it.UnitPrice()),
		Quantity:     it.Quantity(),
		Subtotal:     int64(it.SubtotalWithConditions()),
		Attributes:   it.Attributes(),
	}
	for _, cond := range it.Conditions().All() {
		p.Conditions = append(p.Conditions, toConditionPayload(cond))
	}
	if a := it.Association(); a != nil {
		p.Assoc = &associationPayload{Type: a.Type, ID: a.ID}
	}
	return p
}

func toConditionPayload(cond cart.Condition) conditionPayload {
	return conditionPayload{
		Name:   cond.Name(),
		Type:   string(cond.Type()),
		Target: string(cond.Target()),
		Value:  cond.Value(),
		Order:  cond.Order(),
	}
}
