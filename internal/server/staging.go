package server

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	stagingdomain "github.com/smallbiznis/stagecraft/internal/staging/domain"
	"github.com/smallbiznis/stagecraft/pkg/db/pagination"
)

func (s *Server) CreateStaging(c *gin.Context) {
	accountID, err := accountIDFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	image, imageType, err := s.readFormFile(c, "image")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if len(image) == 0 {
		AbortWithError(c, newValidationError("image", "required", "image is required"))
		return
	}
	mask, maskType, err := s.readFormFile(c, "mask")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	propertyID, err := parseOptionalSnowflakeID(c.PostForm("property_id"))
	if err != nil {
		AbortWithError(c, newValidationError("property_id", "invalid_property_id", "invalid property_id"))
		return
	}

	resp, err := s.stagingSvc.Create(c.Request.Context(), stagingdomain.CreateRequest{
		AccountID:    accountID,
		PropertyID:   propertyID,
		RoomType:     c.PostForm("room_type"),
		Style:        c.PostForm("style"),
		Image:        image,
		MimeType:     imageType,
		Mask:         mask,
		MaskMimeType: maskType,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (s *Server) GetStaging(c *gin.Context) {
	accountID, err := accountIDFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	jobID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.stagingSvc.GetStatus(c.Request.Context(), accountID, jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListStaging(c *gin.Context) {
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

	resp, err := s.stagingSvc.List(c.Request.Context(), accountID, query)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) RemixStaging(c *gin.Context) {
	accountID, err := accountIDFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	jobID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req stagingdomain.RemixRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	resp, err := s.stagingSvc.Remix(c.Request.Context(), accountID, jobID, req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (s *Server) SetPrimaryStaging(c *gin.Context) {
	accountID, err := accountIDFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	jobID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.stagingSvc.SetPrimary(c.Request.Context(), accountID, jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListStagingVersions(c *gin.Context) {
	accountID, err := accountIDFromContext(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	jobID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}

	versions, err := s.stagingSvc.ListVersions(c.Request.Context(), accountID, jobID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"versions": versions})
}

// readFormFile returns nil data when the part is absent. Reads stop one byte
// past the upload limit so the service can reject oversized images.
func (s *Server) readFormFile(c *gin.Context, name string) ([]byte, string, error) {
	header, err := c.FormFile(name)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
			return nil, "", nil
		}
		return nil, "", invalidRequestError()
	}
	return s.readPart(header)
}

func (s *Server) readPart(header *multipart.FileHeader) ([]byte, string, error) {
	file, err := header.Open()
	if err != nil {
		return nil, "", invalidRequestError()
	}
	defer file.Close()

	var reader io.Reader = file
	if limit := s.cfg.Staging.MaxImageBytes; limit > 0 {
		reader = io.LimitReader(file, limit+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", invalidRequestError()
	}

	contentType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if contentType == "application/octet-stream" {
		contentType = ""
	}
	return data, contentType, nil
}
