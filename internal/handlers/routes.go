package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/adaptanoide/photo-inventory/internal/guard"
	"github.com/adaptanoide/photo-inventory/internal/holds"
	"github.com/adaptanoide/photo-inventory/internal/reconcile"
	"github.com/adaptanoide/photo-inventory/internal/selection"
	"github.com/adaptanoide/photo-inventory/internal/validation"
)

// AccessValidator answers whether a client code is cleared to buy.
type AccessValidator interface {
	Validate(ctx context.Context, clientCode string) (bool, error)
}

// HandlerConfig groups the services behind the HTTP surface.
type HandlerConfig struct {
	Holds      *holds.Manager
	Selections *selection.Service
	Guard      *guard.Guard
	Reconciler *reconcile.Runner
	Access     AccessValidator
}

// RegisterRoutes registers the inventory API.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	v := validation.New()

	r.POST("/holds", func(c *gin.Context) {
		ctx := c.Request.Context()

		var req validation.AcquireHoldRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		if !cfg.allowed(c, req.ClientCode) {
			return
		}

		expiresAt, err := cfg.Holds.Acquire(ctx, req.ItemKey, req.ClientCode, req.SessionID)
		switch {
		case errors.Is(err, holds.ErrUnknownItem):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_item"})
		case errors.Is(err, holds.ErrAlreadyHeld):
			c.JSON(http.StatusConflict, gin.H{"error": "already_held"})
		case errors.Is(err, holds.ErrLimitExceeded):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "limit_exceeded"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "hold_failed", "detail": err.Error()})
		default:
			c.JSON(http.StatusCreated, gin.H{
				"item_key":   req.ItemKey,
				"expires_at": expiresAt.UTC().Format(time.RFC3339),
			})
		}
	})

	r.DELETE("/holds/:itemKey", func(c *gin.Context) {
		sessionID := c.Query("session_id")
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_session_id"})
			return
		}
		if err := cfg.Holds.Release(c.Request.Context(), c.Param("itemKey"), sessionID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "release_failed", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/items/:itemKey/status", func(c *gin.Context) {
		status, err := cfg.Holds.Status(c.Request.Context(), c.Param("itemKey"))
		switch {
		case errors.Is(err, holds.ErrUnknownItem):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_item"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed", "detail": err.Error()})
		default:
			c.JSON(http.StatusOK, gin.H{
				"item_key":        c.Param("itemKey"),
				"internal_status": status,
			})
		}
	})

	r.POST("/selections", func(c *gin.Context) {
		ctx := c.Request.Context()

		var req validation.CreateSelectionRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		if !cfg.allowed(c, req.ClientCode) {
			return
		}

		sel, err := cfg.Selections.Create(ctx, req.SessionID, req.ClientCode, req.Special)
		switch {
		case errors.Is(err, selection.ErrNoHeldItems):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no_held_items"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed", "detail": err.Error()})
		default:
			c.JSON(http.StatusCreated, sel)
		}
	})

	r.GET("/selections/:id", func(c *gin.Context) {
		sel, err := cfg.Selections.Get(c.Request.Context(), c.Param("id"))
		if writeSelectionError(c, err) {
			return
		}
		c.JSON(http.StatusOK, sel)
	})

	r.POST("/selections/:id/approve", func(c *gin.Context) {
		err := cfg.Selections.Approve(c.Request.Context(), c.Param("id"))
		if writeSelectionError(c, err) {
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": selection.StatusConfirmed})
	})

	r.POST("/selections/:id/finalize", func(c *gin.Context) {
		err := cfg.Selections.Finalize(c.Request.Context(), c.Param("id"))
		if writeSelectionError(c, err) {
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": selection.StatusFinalized})
	})

	r.POST("/selections/:id/cancel", func(c *gin.Context) {
		err := cfg.Selections.Cancel(c.Request.Context(), c.Param("id"))
		if writeSelectionError(c, err) {
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": selection.StatusCancelled})
	})

	admin := r.Group("/admin")

	admin.POST("/consistency-scan", func(c *gin.Context) {
		result, err := cfg.Guard.Sweep(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "scan_failed", "detail": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	admin.POST("/items/:itemKey/reconcile", func(c *gin.Context) {
		rec, err := cfg.Reconciler.ForceReconcile(c.Request.Context(), c.Param("itemKey"))
		switch {
		case errors.Is(err, reconcile.ErrUnknownItem):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown_item"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_failed", "detail": err.Error()})
		default:
			c.JSON(http.StatusOK, gin.H{
				"item_key":        rec.ItemKey,
				"internal_status": rec.InternalStatus,
				"external_status": rec.ExternalStatus,
			})
		}
	})

	admin.POST("/selections/:id/requeue-retired", func(c *gin.Context) {
		err := cfg.Selections.RequeueRetiredItems(c.Request.Context(), c.Param("id"))
		if writeSelectionError(c, err) {
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	admin.POST("/selections/:id/revert", func(c *gin.Context) {
		var req validation.RevertSelectionRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}
		err := cfg.Selections.Revert(c.Request.Context(), c.Param("id"), req.Reason)
		if writeSelectionError(c, err) {
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": selection.StatusReverted})
	})
}

// allowed checks client access and writes the refusal itself.
func (cfg HandlerConfig) allowed(c *gin.Context, clientCode string) bool {
	ok, err := cfg.Access.Validate(c.Request.Context(), clientCode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "access_check_failed", "detail": err.Error()})
		return false
	}
	if !ok {
		c.JSON(http.StatusForbidden, gin.H{"error": "access_denied"})
		return false
	}
	return true
}

func writeSelectionError(c *gin.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, selection.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_selection"})
	case errors.Is(err, selection.ErrRequiresManualReview):
		c.JSON(http.StatusConflict, gin.H{"error": "requires_manual_review"})
	case errors.Is(err, selection.ErrStatusMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "selection_failed", "detail": err.Error()})
	}
	return true
}
