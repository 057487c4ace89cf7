package gateway

import (
	"github.com/gin-gonic/gin"

	"github.com/vibe80/vibe80/internal/common/apierr"
)

// writeError translates a service error into the REST error body
// {error, code?}. Wrapped causes never reach the client; services fold
// anything the caller may see into the message.
func writeError(c *gin.Context, err error) {
	apiErr := apierr.From(err)
	body := gin.H{"error": apiErr.Message}
	if apiErr.Code != "" {
		body["code"] = apiErr.Code
	}
	c.AbortWithStatusJSON(apiErr.HTTPStatus(), body)
}
