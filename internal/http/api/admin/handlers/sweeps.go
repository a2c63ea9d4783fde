package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MarketEMI/internal/approval"
	"github.com/router-for-me/MarketEMI/internal/installment"
	log "github.com/sirupsen/logrus"
)

// SweepHandler triggers the background sweeps on demand.
type SweepHandler struct {
	scheduler *installment.Scheduler
	auto      *approval.AutoApprover
}

// NewSweepHandler constructs a SweepHandler. auto may be nil.
func NewSweepHandler(scheduler *installment.Scheduler, auto *approval.AutoApprover) *SweepHandler {
	return &SweepHandler{scheduler: scheduler, auto: auto}
}

// Installments advances installment statuses and default detection for today.
func (h *SweepHandler) Installments(c *gin.Context) {
	result, errSweep := h.scheduler.Sweep(c.Request.Context(), time.Now())
	if errSweep != nil {
		log.WithError(errSweep).Error("manual installment sweep failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed"})
		return
	}
	moved := map[string]int{}
	for _, tr := range result.Transitions {
		moved[string(tr.To)]++
	}
	c.JSON(http.StatusOK, gin.H{
		"transitions": len(result.Transitions),
		"by_status":   moved,
		"defaulted":   result.Defaulted,
	})
}

// Reminders sends upcoming-due reminders that have not been sent yet.
func (h *SweepHandler) Reminders(c *gin.Context) {
	sent, errRemind := h.scheduler.RemindUpcoming(c.Request.Context(), time.Now())
	if errRemind != nil {
		log.WithError(errRemind).Error("manual reminder sweep failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reminded": sent})
}

// Approvals runs one cardless auto-approval pass.
func (h *SweepHandler) Approvals(c *gin.Context) {
	if h.auto == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "auto approval not configured"})
		return
	}
	approved, errRun := h.auto.RunOnce(c.Request.Context())
	if errRun != nil {
		log.WithError(errRun).Error("manual auto-approval sweep failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": approved})
}
