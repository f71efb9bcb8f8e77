package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shineum/mailsandbox/internal/email"
	"github.com/shineum/mailsandbox/internal/ingest"
	"github.com/shineum/mailsandbox/internal/metrics"
)

const msgTooLarge = "Request body too large"

// createdAtLayout is RFC 3339 in UTC with millisecond precision.
const createdAtLayout = "2006-01-02T15:04:05.000Z07:00"

// sendResponse mirrors the reply of the mail-sending API being imitated.
type sendResponse struct {
	ID        string   `json:"id"`
	CreatedAt string   `json:"created_at"`
	To        []string `json:"to"`
	From      string   `json:"from"`
}

// limitBody refuses a declared oversized body up front and caps bodies of
// unknown length while they stream in.
func limitBody(limit int64, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > limit {
			m.Rejected(string(email.SourceAPI), metrics.ReasonInvalid)
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"message": msgTooLarge})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}

func sendEmail(mail *ingest.MailAPI, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				m.Rejected(string(email.SourceAPI), metrics.ReasonInvalid)
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"message": msgTooLarge})
				return
			}
			slog.Warn("failed to read request body", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"message": ingest.MsgInvalidJSON})
			return
		}

		rec, err := mail.Ingest(c.Request.Context(), body, c.Request.Header)
		if err != nil {
			var verr *ingest.ValidationError
			if errors.As(err, &verr) {
				c.JSON(http.StatusBadRequest, gin.H{"message": verr.Message})
				return
			}
			slog.Error("failed to ingest email", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"message": msgInternal})
			return
		}

		c.JSON(http.StatusOK, sendResponse{
			ID:        rec.ID,
			CreatedAt: formatCreatedAt(rec.CreatedAt),
			To:        rec.To,
			From:      rec.From,
		})
	}
}

func formatCreatedAt(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(createdAtLayout)
}
