package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/kyeliu99/PFlow/internal/api/dto"
	"github.com/kyeliu99/PFlow/internal/domain"
	"github.com/kyeliu99/PFlow/internal/service"
	apperrors "github.com/kyeliu99/PFlow/pkg/util/errorutil"
)

// TicketsHandler serves the ticket endpoints.
type TicketsHandler struct {
	service *service.TicketService
}

// NewTicketsHandler constructs handler.
func NewTicketsHandler(ticketService *service.TicketService) *TicketsHandler {
	return &TicketsHandler{service: ticketService}
}

// CreateTicket POST /api/tickets.
func (h *TicketsHandler) CreateTicket(c *fiber.Ctx) error {
	var req dto.CreateTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	ticket, err := h.service.CreateTicket(c.UserContext(), service.TicketCreateInput{
		Title:       req.Title,
		Description: req.Description,
		Requester:   req.Requester,
		Assignee:    req.Assignee,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(dto.NewTicketResponse(ticket))
}

// ListTickets GET /api/tickets.
func (h *TicketsHandler) ListTickets(c *fiber.Ctx) error {
	filter := service.TicketListFilter{
		Limit:  c.QueryInt("limit", 0),
		Offset: c.QueryInt("offset", 0),
	}
	if requester := strings.TrimSpace(c.Query("requester")); requester != "" {
		filter.Requester = &requester
	}
	for _, raw := range strings.Split(c.Query("status"), ",") {
		if raw = strings.TrimSpace(raw); raw != "" {
			filter.Statuses = append(filter.Statuses, domain.TicketStatus(strings.ToLower(raw)))
		}
	}

	tickets, err := h.service.ListTickets(c.UserContext(), filter)
	if err != nil {
		return err
	}
	items := make([]dto.TicketResponse, 0, len(tickets))
	for i := range tickets {
		items = append(items, dto.NewTicketResponse(&tickets[i]))
	}
	return c.JSON(items)
}

// GetTicket GET /api/tickets/:id.
func (h *TicketsHandler) GetTicket(c *fiber.Ctx) error {
	ticket, err := h.service.GetTicket(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	return c.JSON(dto.NewTicketResponse(ticket))
}

// UpdateTicket PATCH /api/tickets/:id.
func (h *TicketsHandler) UpdateTicket(c *fiber.Ctx) error {
	var req dto.UpdateTicketRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}

	ticket, err := h.service.UpdateTicket(c.UserContext(), c.Params("id"), service.TicketUpdateInput{
		Title:           req.Title,
		Description:     req.Description,
		Assignee:        req.Assignee,
		ExpectedVersion: req.Version,
	})
	if err != nil {
		return err
	}
	return c.JSON(dto.NewTicketResponse(ticket))
}

// SubmitTicket POST /api/tickets/:id/submit.
func (h *TicketsHandler) SubmitTicket(c *fiber.Ctx) error {
	if _, err := h.service.SubmitTicket(c.UserContext(), c.Params("id")); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// DecideTicket POST /api/tickets/:id/decision.
func (h *TicketsHandler) DecideTicket(c *fiber.Ctx) error {
	var req dto.DecisionRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	if req.Approved == nil {
		return apperrors.NewValidationError("approved is required", map[string]any{"field": "approved"})
	}

	if _, err := h.service.DecideTicket(c.UserContext(), c.Params("id"), *req.Approved, req.Comment); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// ListHistory GET /api/tickets/:id/history.
func (h *TicketsHandler) ListHistory(c *fiber.Ctx) error {
	entries, err := h.service.ListHistory(c.UserContext(), c.Params("id"))
	if err != nil {
		return err
	}
	items := make([]dto.TicketHistoryResponse, 0, len(entries))
	for i := range entries {
		items = append(items, dto.NewTicketHistoryResponse(&entries[i]))
	}
	return c.JSON(items)
}
