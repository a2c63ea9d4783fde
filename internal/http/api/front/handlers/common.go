package handlers

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	apihttp "github.com/router-for-me/MarketEMI/internal/http"
)

// getUserID extracts the user ID from gin context.
func getUserID(c *gin.Context) uint64 {
	return apihttp.UserID(c)
}

// pathID parses the :id route parameter.
func pathID(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// pageQuery defines pagination query parameters.
type pageQuery struct {
	Page   int    `form:"page,default=1"`
	Limit  int    `form:"limit,default=20"`
	Status string `form:"status"`
}

func (q *pageQuery) normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 100 {
		q.Limit = 20
	}
	q.Status = strings.ToLower(strings.TrimSpace(q.Status))
}

func (q pageQuery) offset() int {
	return (q.Page - 1) * q.Limit
}
