package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/stagecraft/internal/authorization"
	creditdomain "github.com/smallbiznis/stagecraft/internal/credit/domain"
)

type allocateCreditsRequest struct {
	MemberAccountID string `json:"member_account_id"`
	Amount          int64  `json:"amount"`
}

type addMemberRequest struct {
	AccountID string `json:"account_id"`
	Role      string `json:"role"`
}

// AllocateCredits moves pool credits to a member. Only the pool owner may call it.
func (s *Server) AllocateCredits(c *gin.Context) {
	var req allocateCreditsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	memberID, err := parseSnowflakeID(req.MemberAccountID)
	if err != nil {
		AbortWithError(c, newValidationError("member_account_id", "invalid_member_account_id", "invalid member_account_id"))
		return
	}

	caller, err := s.authorizeOrganization(c, authorization.ActionOrganizationAllocate)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	member, err := s.creditSvc.Allocate(c.Request.Context(), creditdomain.AllocateRequest{
		OwnerAccountID:  caller.AccountID,
		MemberAccountID: memberID,
		Amount:          req.Amount,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"member": member})
}

func (s *Server) AddOrganizationMember(c *gin.Context) {
	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	accountID, err := parseSnowflakeID(req.AccountID)
	if err != nil {
		AbortWithError(c, newValidationError("account_id", "invalid_account_id", "invalid account_id"))
		return
	}

	caller, err := s.authorizeOrganization(c, authorization.ActionOrganizationAddMember)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	role := creditdomain.MemberRole(strings.ToLower(strings.TrimSpace(req.Role)))
	member, err := s.creditSvc.AddMember(c.Request.Context(), caller.OrgID, accountID, role)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"member": member})
}

// authorizeOrganization resolves the caller's organization and checks the action
// against its role there. Accounts outside any organization are forbidden.
func (s *Server) authorizeOrganization(c *gin.Context, action string) (*creditdomain.Member, error) {
	accountID, err := accountIDFromContext(c)
	if err != nil {
		return nil, err
	}

	ctx := c.Request.Context()
	member, err := s.creditSvc.MemberByAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if member == nil {
		return nil, ErrForbidden
	}

	if err := s.authzSvc.Authorize(ctx, actorFor(accountID), member.OrgID.String(), authorization.ObjectOrganization, action); err != nil {
		return nil, err
	}
	return member, nil
}

func actorFor(accountID snowflake.ID) string {
	return "user:" + accountID.String()
}
