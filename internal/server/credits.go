package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/stagecraft/pkg/db/pagination"
)

func (s *Server) GetCredits(c *gin.Context) {
	accountID, err := accountIDFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	balance, err := s.creditSvc.CheckAvailable(c.Request.Context(), accountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (s *Server) ListCreditTransactions(c *gin.Context) {
	accountID, err := accountIDFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.creditSvc.ListTransactions(c.Request.Context(), accountID, query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
