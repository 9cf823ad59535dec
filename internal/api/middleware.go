package api

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// corsMiddleware allows the mobile client (and any browser-based dev
// tooling) to call the HTTP surface from an arbitrary origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, HEAD, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func noCacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Writer.Header().Set("Pragma", "no-cache")
		c.Writer.Header().Set("Expires", "0")
		c.Writer.Header().Set("X-Content-Type-Options", "nosniff")
		c.Next()
	}
}

// processingTimeWriter wraps gin.ResponseWriter to attach a Server-Timing
// header once, regardless of which write path the handler takes.
type processingTimeWriter struct {
	gin.ResponseWriter
	startTime     time.Time
	headerWritten bool
}

func (w *processingTimeWriter) writeServerTimingHeader() {
	if !w.headerWritten {
		latency := float64(time.Since(w.startTime).Nanoseconds()) / 1e6
		w.Header().Set("Server-Timing", fmt.Sprintf("total;dur=%.2f", latency))
		w.headerWritten = true
	}
}

func (w *processingTimeWriter) WriteHeader(statusCode int) {
	w.writeServerTimingHeader()
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *processingTimeWriter) Write(data []byte) (int, error) {
	w.writeServerTimingHeader()
	return w.ResponseWriter.Write(data)
}

func (w *processingTimeWriter) WriteHeaderNow() {
	w.writeServerTimingHeader()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *processingTimeWriter) Flush() {
	w.writeServerTimingHeader()
	w.ResponseWriter.Flush()
}

func processingTimeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer = &processingTimeWriter{ResponseWriter: c.Writer, startTime: time.Now()}
		c.Next()
	}
}

// sensitiveQueryParams is redacted out of request logs.
var sensitiveQueryParams = []string{"token", "api_key", "apikey", "authorization", "auth"}

func redactSecrets(pathWithQuery string) string {
	parts := strings.SplitN(pathWithQuery, "?", 2)
	if len(parts) != 2 {
		return pathWithQuery
	}
	basePath, queryString := parts[0], parts[1]

	values, err := url.ParseQuery(queryString)
	if err != nil {
		result := pathWithQuery
		for _, param := range sensitiveQueryParams {
			pattern := regexp.MustCompile(`(?i)(` + regexp.QuoteMeta(param) + `=)[^&\s]*`)
			result = pattern.ReplaceAllString(result, "${1}[REDACTED]")
		}
		return result
	}

	changed := false
	for key := range values {
		for _, param := range sensitiveQueryParams {
			if strings.EqualFold(key, param) {
				values.Set(key, "[REDACTED]")
				changed = true
			}
		}
	}
	if !changed {
		return pathWithQuery
	}
	return basePath + "?" + values.Encode()
}

func logrusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path += "?" + c.Request.URL.RawQuery
		}
		sanitized := redactSecrets(path)

		start := time.Now()
		c.Next()
		latency := int(math.Ceil(float64(time.Since(start).Nanoseconds()) / 1e6))
		status := c.Writer.Status()

		msg := fmt.Sprintf("%s %s %d %dms", c.Request.Method, sanitized, status, latency)
		switch {
		case status >= 500:
			logrus.Error(msg)
		case status >= 400:
			logrus.Warn(msg)
		default:
			logrus.Info(msg)
		}
	}
}
