package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/MarketEMI/internal/emierr"
	log "github.com/sirupsen/logrus"
)

// WriteError maps the EMI error kinds onto a JSON response. notFound lists
// sentinel errors that mean 404 for the calling handler; anything unclassified
// is logged and answered with fallback.
func WriteError(c *gin.Context, err error, fallback string, notFound ...error) {
	for _, sentinel := range notFound {
		if errors.Is(err, sentinel) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
	}

	var validation *emierr.ValidationError
	switch {
	case errors.As(err, &validation):
		body := gin.H{"error": validation.Reason}
		if validation.Field != "" {
			body["field"] = validation.Field
		}
		c.JSON(http.StatusBadRequest, body)
	case emierr.IsGatewayUnavailable(err):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payment gateway unavailable", "retryable": true})
	case emierr.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case emierr.IsIntegrity(err):
		log.WithError(err).Error(fallback)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		log.WithError(err).Error(fallback)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}
