package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"impractical.co/fleeting"
)

// badRequests are the errors caused by what the client sent.
var badRequests = []error{
	fleeting.ErrNoFiles,
	fleeting.ErrTooManyFiles,
	fleeting.ErrInvalidTTL,
	fleeting.ErrInvalidID,
	fleeting.ErrUnsupportedFile,
	fleeting.ErrTooLarge,
	fleeting.ErrAlreadyRegistered,
	errBadForm,
}

var errBadForm = errors.New("request is not a multipart form")

// fail writes the JSON error response matching err. Server-side errors are
// attached to the request, to be logged, and their details withheld from
// the client.
func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, fleeting.ErrFileNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "File not found"})
		return
	}
	if errors.Is(err, fleeting.ErrNoFiles) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "No files uploaded"})
		return
	}
	for _, bad := range badRequests {
		if errors.Is(err, bad) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}
