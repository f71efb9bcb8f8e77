package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shineum/mailsandbox/internal/query"
)

const msgNotFound = "Email not found"

func listEmails(inbox *query.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := inbox.List(c.Request.Context(), query.Filter{To: c.Query("to")})
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"emails": list})
	}
}

func getEmail(inbox *query.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		rec, err := inbox.Get(c.Request.Context(), c.Param("id"))
		if errors.Is(err, query.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": msgNotFound})
			return
		}
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"email": rec})
	}
}

func deleteEmail(inbox *query.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := inbox.Delete(c.Request.Context(), c.Param("id"))
		if errors.Is(err, query.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": msgNotFound})
			return
		}
		if err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "Email deleted"})
	}
}

func deleteAllEmails(inbox *query.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := inbox.DeleteAll(c.Request.Context()); err != nil {
			internalError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "All emails deleted"})
	}
}

func internalError(c *gin.Context, err error) {
	slog.Error("inbox request failed",
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"error", err,
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msgInternal})
}
