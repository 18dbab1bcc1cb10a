package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/hray3182/loopmatic/internal/models"
	"github.com/hray3182/loopmatic/internal/repository"
	"github.com/hray3182/loopmatic/internal/service"
	"go.uber.org/zap"
)

type Handler struct {
	svc    *service.ReminderService
	logger *zap.Logger
}

func NewHandler(svc *service.ReminderService, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

type createRequest struct {
	UserID  int64  `json:"user_id" binding:"required"`
	Text    string `json:"text"`
	Time    string `json:"time"`
	Rule    string `json:"rule"`
	IsHabit bool   `json:"is_habit"`
}

func (h *Handler) ListReminders(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	habitsOnly := c.Query("habits") == "true"

	items, err := h.svc.List(c.Request.Context(), userID, habitsOnly)
	if err != nil {
		h.fail(c, "ListReminders", err)
		return
	}
	if items == nil {
		items = []*models.Reminder{}
	}
	c.JSON(http.StatusOK, gin.H{"reminders": items})
}

func (h *Handler) CreateReminder(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	r, err := h.svc.Create(c.Request.Context(), service.CreateInput{
		UserID:  req.UserID,
		Text:    req.Text,
		Time:    req.Time,
		Rule:    req.Rule,
		IsHabit: req.IsHabit,
	})
	if err != nil {
		h.fail(c, "CreateReminder", err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *Handler) DeleteReminder(c *gin.Context) {
	userID, id, ok := ownerAndID(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), userID, id); err != nil {
		h.fail(c, "DeleteReminder", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) Acknowledge(c *gin.Context) {
	userID, id, ok := ownerAndID(c)
	if !ok {
		return
	}
	r, err := h.svc.Acknowledge(c.Request.Context(), userID, id)
	if err != nil {
		h.fail(c, "Acknowledge", err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) Postpone(c *gin.Context) {
	userID, id, ok := ownerAndID(c)
	if !ok {
		return
	}

	var d service.Delay
	var err error
	if v := c.Query("minutes"); v != "" {
		d.Minutes, err = strconv.Atoi(v)
	}
	if v := c.Query("days"); v != "" && err == nil {
		d.Days, err = strconv.Atoi(v)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "minutes and days must be integers"})
		return
	}

	r, err := h.svc.Postpone(c.Request.Context(), userID, id, d)
	if err != nil {
		h.fail(c, "Postpone", err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handler) CompleteHabit(c *gin.Context) {
	userID, id, ok := ownerAndID(c)
	if !ok {
		return
	}
	res, err := h.svc.CompleteHabit(c.Request.Context(), userID, id)
	if err != nil {
		h.fail(c, "CompleteHabit", err)
		return
	}
	if !res.Accepted {
		c.JSON(http.StatusConflict, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) HabitStats(c *gin.Context) {
	userID, id, ok := ownerAndID(c)
	if !ok {
		return
	}
	s, err := h.svc.HabitStats(c.Request.Context(), userID, id)
	if err != nil {
		h.fail(c, "HabitStats", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

func (h *Handler) Stats(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	o, err := h.svc.Overview(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, "Stats", err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) UserInfo(c *gin.Context) {
	userID, ok := queryUserID(c)
	if !ok {
		return
	}
	u, err := h.svc.User(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, "UserInfo", err)
		return
	}
	c.JSON(http.StatusOK, u)
}

// fail maps service errors to status codes.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repository.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"error": "reminder already exists"})
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		h.logger.Error(op+": request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func queryUserID(c *gin.Context) (int64, bool) {
	raw := c.Query("user_id")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user_id"})
		return 0, false
	}
	return id, true
}

func ownerAndID(c *gin.Context) (int64, int64, bool) {
	userID, ok := queryUserID(c)
	if !ok {
		return 0, 0, false
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, 0, false
	}
	return userID, id, true
}
