package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/ehr/billing/internal/domain/audit"
	"github.com/ehr/billing/internal/platform/auth"
	"github.com/ehr/billing/internal/platform/middleware"
	"github.com/ehr/billing/pkg/pagination"
)

const lockedHint = "invoice is locked, request an edit window or reopen it"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints: billing staff and auditors
	read := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleBillingSupervisor, auth.RoleAuditor))
	read.GET("/billing-cases", h.ListCases)
	read.GET("/billing-cases/:id", h.GetCase)
	read.GET("/billing-cases/:id/summary", h.GetSummary)
	read.GET("/billing-cases/:id/invoices", h.ListInvoices)
	read.GET("/billing-cases/:id/receipts", h.ListReceipts)
	read.GET("/billing-cases/:id/advances", h.ListAdvances)
	read.GET("/billing-cases/:id/advance-applications", h.ListAdvanceApplications)
	read.GET("/billing-cases/:id/insurance-policy", h.GetPolicy)
	read.GET("/billing-cases/:id/splits", h.ListSplits)
	read.GET("/billing-cases/:id/preauths", h.ListPreauths)
	read.GET("/billing-cases/:id/claims", h.ListClaims)
	read.GET("/invoices/:id", h.GetInvoice)
	read.GET("/invoices/:id/lines", h.ListLines)
	read.GET("/invoices/:id/edit-requests", h.ListEditRequests)
	read.GET("/receipts/:id", h.GetReceipt)

	// Write endpoints: billing staff. Reopen and edit-request decisions are
	// further restricted by the service authorizer.
	write := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleBillingSupervisor))
	write.POST("/billing-cases", h.CreateCase)
	write.POST("/billing-cases/:id/invoices", h.CreateInvoice)
	write.POST("/billing-cases/:id/payments", h.CollectPayment)
	write.POST("/billing-cases/:id/advances", h.RecordAdvance)
	write.POST("/billing-cases/:id/advances/refund", h.RefundAdvance)
	write.POST("/billing-cases/:id/advances/adjust", h.AdjustAdvance)
	write.POST("/billing-cases/:id/advances/apply", h.ApplyAdvance)
	write.PUT("/billing-cases/:id/insurance-policy", h.SetPolicy)
	write.POST("/billing-cases/:id/splits", h.SplitInvoices)
	write.POST("/billing-cases/:id/preauths", h.CreatePreauth)
	write.POST("/billing-cases/:id/claims", h.CreateClaim)
	write.POST("/invoices/:id/approve", h.ApproveInvoice)
	write.POST("/invoices/:id/post", h.PostInvoice)
	write.POST("/invoices/:id/void", h.VoidInvoice)
	write.POST("/invoices/:id/reopen", h.ReopenInvoice)
	write.POST("/invoices/:id/lines", h.AddLine)
	write.POST("/invoices/:id/edit-requests", h.RequestEdit)
	write.PATCH("/invoice-lines/:id", h.UpdateLine)
	write.DELETE("/invoice-lines/:id", h.DeleteLine)
	write.PUT("/invoice-lines/:id/coverage", h.SetCoverage)
	write.POST("/edit-requests/:id/approve", h.ApproveEditRequest)
	write.POST("/edit-requests/:id/reject", h.RejectEditRequest)
	write.POST("/receipts/:id/cancel", h.CancelReceipt)
	write.POST("/preauths/:id/transition", h.TransitionPreauth)
	write.POST("/claims/:id/transition", h.TransitionClaim)
}

// -- request plumbing --

// versioned is embedded in every mutating request body.
type versioned struct {
	ExpectedVersion *int `json:"expected_version,omitempty"`
}

type reasoned struct {
	Reason string `json:"reason"`
}

// decode reads a JSON body and rejects unknown fields. An empty body leaves
// dst untouched.
func decode(c echo.Context, dst interface{}) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return nil
}

func pathID(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func requestContext(c echo.Context) context.Context {
	return audit.WithRequestID(c.Request().Context(), middleware.RequestID(c))
}

func actorOf(ctx context.Context) Actor {
	return Actor{ID: auth.UserIDFromContext(ctx), Roles: auth.RolesFromContext(ctx)}
}

// opOf builds the operation envelope. expected_version in the body wins over
// the query parameter.
func opOf(c echo.Context, ctx context.Context, v versioned) (Op, error) {
	op := Op{Actor: actorOf(ctx), ExpectedVersion: v.ExpectedVersion}
	if op.ExpectedVersion == nil {
		if q := c.QueryParam("expected_version"); q != "" {
			n, err := strconv.Atoi(q)
			if err != nil {
				return op, echo.NewHTTPError(http.StatusBadRequest, "invalid expected_version")
			}
			op.ExpectedVersion = &n
		}
	}
	return op, nil
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Entity    string `json:"entity,omitempty"`
	EntityID  string `json:"entity_id,omitempty"`
	Field     string `json:"field,omitempty"`
	Attempted string `json:"attempted,omitempty"`
	Current   string `json:"current,omitempty"`
	Hint      string `json:"hint,omitempty"`
	// Payment carries per-receipt outcomes when no receipt was persisted.
	Payment *PaymentResult `json:"payment,omitempty"`
}

// httpError maps the domain error taxonomy onto HTTP statuses.
func httpError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	status, code := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, ErrValidation):
		status, code = http.StatusBadRequest, "validation"
	case errors.Is(err, ErrPermissionDenied):
		status, code = http.StatusForbidden, "permission_denied"
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrStaleState):
		status, code = http.StatusConflict, "stale_state"
	case errors.Is(err, ErrPolicyMissing):
		status, code = http.StatusUnprocessableEntity, "policy_missing"
	case errors.Is(err, ErrPolicyViolation):
		status, code = http.StatusUnprocessableEntity, "policy_violation"
	}
	if status == http.StatusInternalServerError {
		return echo.NewHTTPError(status, err.Error())
	}
	body := errorBody{Code: code, Message: err.Error()}
	var e *Error
	if errors.As(err, &e) {
		body.Message = e.Message
		body.Entity = e.Entity
		body.EntityID = e.EntityID
		body.Field = e.Field
		body.Attempted = e.Attempted
		body.Current = e.Current
	}
	if IsLocked(err) {
		body.Hint = lockedHint
	}
	return echo.NewHTTPError(status, body)
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// -- Cases --

func (h *Handler) CreateCase(c echo.Context) error {
	var in CaseInput
	if err := decode(c, &in); err != nil {
		return err
	}
	ctx := requestContext(c)
	bc, err := h.svc.CreateCase(ctx, actorOf(ctx), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, bc)
}

func (h *Handler) GetCase(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	bc, err := h.svc.GetCase(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, bc)
}

func (h *Handler) ListCases(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListCases(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(emptyIfNil(items), total, pg, c.Request().URL.Path))
}

func (h *Handler) GetSummary(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	sum, err := h.svc.CaseSummary(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sum)
}

// -- Invoices --

type createInvoiceRequest struct {
	InvoiceInput
	versioned
}

func (h *Handler) CreateInvoice(c echo.Context) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req createInvoiceRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	inv, err := h.svc.CreateInvoice(ctx, op, caseID, req.InvoiceInput)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	v, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListInvoices(c.Request().Context(), caseID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, emptyIfNil(items))
}

type invoiceActionRequest struct {
	reasoned
	versioned
}

// invoiceAction decodes the shared {reason, expected_version} body used by
// the invoice state transitions.
func (h *Handler) invoiceAction(c echo.Context, fn func(ctx context.Context, op Op, id uuid.UUID, reason string) (*Invoice, error)) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req invoiceActionRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	inv, err := fn(ctx, op, id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ApproveInvoice(c echo.Context) error {
	return h.invoiceAction(c, func(ctx context.Context, op Op, id uuid.UUID, _ string) (*Invoice, error) {
		return h.svc.ApproveInvoice(ctx, op, id)
	})
}

func (h *Handler) PostInvoice(c echo.Context) error {
	return h.invoiceAction(c, func(ctx context.Context, op Op, id uuid.UUID, _ string) (*Invoice, error) {
		return h.svc.PostInvoice(ctx, op, id)
	})
}

func (h *Handler) VoidInvoice(c echo.Context) error {
	return h.invoiceAction(c, h.svc.VoidInvoice)
}

func (h *Handler) ReopenInvoice(c echo.Context) error {
	return h.invoiceAction(c, h.svc.ReopenInvoice)
}

// -- Lines --

type addLineRequest struct {
	LineInput
	reasoned
	versioned
}

func (h *Handler) AddLine(c echo.Context) error {
	invoiceID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req addLineRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	line, err := h.svc.AddLine(ctx, op, invoiceID, req.LineInput, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, line)
}

func (h *Handler) ListLines(c echo.Context) error {
	invoiceID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListLines(c.Request().Context(), invoiceID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, emptyIfNil(items))
}

type updateLineRequest struct {
	LinePatch
	reasoned
	versioned
}

func (h *Handler) UpdateLine(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req updateLineRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	line, err := h.svc.UpdateLine(ctx, op, id, req.LinePatch, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, line)
}

func (h *Handler) DeleteLine(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req invoiceActionRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	if req.Reason == "" {
		req.Reason = c.QueryParam("reason")
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	if err := h.svc.DeleteLine(ctx, op, id, req.Reason); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type coverageRequest struct {
	CoverageInput
	versioned
}

func (h *Handler) SetCoverage(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req coverageRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	line, err := h.svc.SetLineCoverage(ctx, op, id, req.CoverageInput)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, line)
}

// -- Edit requests --

type editRequestBody struct {
	EditRequestInput
	versioned
}

func (h *Handler) RequestEdit(c echo.Context) error {
	invoiceID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req editRequestBody
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	er, err := h.svc.RequestEdit(ctx, op, invoiceID, req.EditRequestInput)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, er)
}

func (h *Handler) ListEditRequests(c echo.Context) error {
	invoiceID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListEditRequests(c.Request().Context(), invoiceID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, emptyIfNil(items))
}

func (h *Handler) decideEditRequest(c echo.Context, fn func(ctx context.Context, op Op, id uuid.UUID, reason string) (*EditRequest, error)) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req invoiceActionRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	er, err := fn(ctx, op, id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, er)
}

func (h *Handler) ApproveEditRequest(c echo.Context) error {
	return h.decideEditRequest(c, h.svc.ApproveEditRequest)
}

func (h *Handler) RejectEditRequest(c echo.Context) error {
	return h.decideEditRequest(c, h.svc.RejectEditRequest)
}

// -- Payments --

type collectPaymentRequest struct {
	CollectPaymentInput
	versioned
}

// CollectPayment answers 201 when every receipt persisted and 207 when only
// some did.
func (h *Handler) CollectPayment(c echo.Context) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req collectPaymentRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	res, err := h.svc.CollectPayment(ctx, op, caseID, req.CollectPaymentInput)
	if err != nil {
		if res == nil || len(res.Receipts) == 0 {
			return httpError(err)
		}
		return paymentFailure(err, res)
	}
	status := http.StatusCreated
	if res.Persisted() < len(res.Receipts) {
		status = http.StatusMultiStatus
	}
	return c.JSON(status, res)
}

// paymentFailure keeps the per-receipt outcomes in the error body when every
// receipt of a payment failed.
func paymentFailure(err error, res *PaymentResult) error {
	var he *echo.HTTPError
	if !errors.As(httpError(err), &he) {
		return err
	}
	body, ok := he.Message.(errorBody)
	if !ok {
		body = errorBody{Code: "internal", Message: "no receipt was persisted"}
	}
	body.Payment = res
	return echo.NewHTTPError(he.Code, body)
}

func (h *Handler) GetReceipt(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	rc, err := h.svc.GetReceipt(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rc)
}

func (h *Handler) ListReceipts(c echo.Context) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListReceipts(c.Request().Context(), caseID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, emptyIfNil(items))
}

func (h *Handler) CancelReceipt(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req invoiceActionRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	rc, err := h.svc.CancelReceipt(ctx, op, id, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rc)
}

// -- Advances --

type advanceRequest struct {
	AdvanceInput
	versioned
}

func (h *Handler) advanceEntry(c echo.Context, fn func(ctx context.Context, op Op, caseID uuid.UUID, in AdvanceInput) (*AdvanceEntry, error)) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req advanceRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	e, err := fn(ctx, op, caseID, req.AdvanceInput)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) RecordAdvance(c echo.Context) error {
	return h.advanceEntry(c, h.svc.RecordAdvance)
}

func (h *Handler) RefundAdvance(c echo.Context) error {
	return h.advanceEntry(c, h.svc.RefundAdvance)
}

type adjustAdvanceRequest struct {
	Amount decimal.Decimal `json:"amount"`
	reasoned
	versioned
}

func (h *Handler) AdjustAdvance(c echo.Context) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req adjustAdvanceRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	e, err := h.svc.AdjustAdvance(ctx, op, caseID, req.Amount, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

type applyAdvanceRequest struct {
	ApplyAdvanceInput
	versioned
}

func (h *Handler) ApplyAdvance(c echo.Context) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req applyAdvanceRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	res, err := h.svc.ApplyAdvance(ctx, op, caseID, req.ApplyAdvanceInput)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

// ListAdvances returns the balance breakdown alongside the entries.
func (h *Handler) ListAdvances(c echo.Context) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	entries, err := h.svc.ListAdvanceEntries(ctx, caseID)
	if err != nil {
		return httpError(err)
	}
	bal, err := h.svc.AdvanceBalance(ctx, caseID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"balance": bal,
		"entries": emptyIfNil(entries),
	})
}

func (h *Handler) ListAdvanceApplications(c echo.Context) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListAdvanceApplications(c.Request().Context(), caseID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, emptyIfNil(items))
}

// -- Insurance --

type policyRequest struct {
	PolicyInput
	versioned
}

func (h *Handler) SetPolicy(c echo.Context) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req policyRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	p, err := h.svc.SetInsurancePolicy(ctx, op, caseID, req.PolicyInput)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPolicy(c echo.Context) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetInsurancePolicy(c.Request().Context(), caseID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type splitRequest struct {
	SplitInput
	versioned
}

func (h *Handler) SplitInvoices(c echo.Context) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req splitRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	res, err := h.svc.SplitInvoices(ctx, op, caseID, req.SplitInput)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ListSplits(c echo.Context) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListSplits(c.Request().Context(), caseID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, emptyIfNil(items))
}

type preauthRequest struct {
	PreauthInput
	versioned
}

func (h *Handler) CreatePreauth(c echo.Context) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req preauthRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	p, err := h.svc.CreatePreauth(ctx, op, caseID, req.PreauthInput)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

type preauthTransitionRequest struct {
	PreauthTransition
	versioned
}

func (h *Handler) TransitionPreauth(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req preauthTransitionRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	p, warnings, err := h.svc.TransitionPreauth(ctx, op, id, req.PreauthTransition)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"preauth":  p,
		"warnings": emptyIfNil(warnings),
	})
}

func (h *Handler) ListPreauths(c echo.Context) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListPreauths(c.Request().Context(), caseID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, emptyIfNil(items))
}

type claimRequest struct {
	ClaimInput
	versioned
}

func (h *Handler) CreateClaim(c echo.Context) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req claimRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	cl, err := h.svc.CreateClaim(ctx, op, caseID, req.ClaimInput)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cl)
}

type claimTransitionRequest struct {
	ClaimTransition
	versioned
}

func (h *Handler) TransitionClaim(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req claimTransitionRequest
	if err := decode(c, &req); err != nil {
		return err
	}
	ctx := requestContext(c)
	op, err := opOf(c, ctx, req.versioned)
	if err != nil {
		return err
	}
	cl, warnings, err := h.svc.TransitionClaim(ctx, op, id, req.ClaimTransition)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"claim":    cl,
		"warnings": emptyIfNil(warnings),
	})
}

func (h *Handler) ListClaims(c echo.Context) error {
	caseID, err := pathID(c, "id")
	if err != nil {
		return err
	}
	items, err := h.svc.ListClaims(c.Request().Context(), caseID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, emptyIfNil(items))
}
