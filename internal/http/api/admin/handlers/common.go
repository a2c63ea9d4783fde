package handlers

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	apihttp "github.com/router-for-me/MarketEMI/internal/http"
)

// pathID parses the :id route parameter.
func pathID(c *gin.Context) (uint64, bool) {
	id, errParse := strconv.ParseUint(strings.TrimSpace(c.Param("id")), 10, 64)
	if errParse != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// reviewerName returns the username of the admin making the request.
func reviewerName(c *gin.Context) string {
	if admin, ok := apihttp.CurrentAdmin(c); ok {
		return admin.Username
	}
	return ""
}

// listQuery defines the filters shared by admin list endpoints.
type listQuery struct {
	Page   int    `form:"page,default=1"`
	Limit  int    `form:"limit,default=50"`
	Status string `form:"status"`
	UserID uint64 `form:"user_id"`
}

func (q *listQuery) normalize() {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 200 {
		q.Limit = 50
	}
	q.Status = strings.TrimSpace(q.Status)
}

func (q listQuery) offset() int {
	return (q.Page - 1) * q.Limit
}
