// Package logging configures logrus output and the gin request logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/router-for-me/MarketEMI/internal/config"
	"github.com/router-for-me/MarketEMI/internal/util"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RequestIDHeader carries the correlation id across the gateway callback and API calls.
const RequestIDHeader = "X-Request-ID"

// requestIDKey stores the id in the gin context.
const requestIDKey = "requestID"

// Setup applies level, format and output from cfg to the standard logrus logger.
// When cfg.File is set, output is mirrored to a rotating file.
func Setup(cfg config.LogConfig) (io.Closer, error) {
	level, errLevel := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if errLevel != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	if cfg.JSON {
		log.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	}

	file := strings.TrimSpace(cfg.File)
	if file == "" {
		log.SetOutput(os.Stdout)
		return nopCloser{}, nil
	}
	if !filepath.IsAbs(file) {
		if base := util.WritablePath(); base != "" {
			file = filepath.Join(base, file)
		}
	}
	if errMkdir := os.MkdirAll(filepath.Dir(file), 0o755); errMkdir != nil {
		return nil, errMkdir
	}

	rotator := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// GinLogger assigns a request id and logs one line per request.
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Writer.Header().Set(RequestIDHeader, requestID)

		start := time.Now()
		c.Next()

		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path += "?" + util.MaskSensitiveQuery(raw)
		}
		entry := log.WithFields(log.Fields{
			"request_id": requestID,
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       path,
			"latency":    time.Since(start).String(),
			"client_ip":  c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry = entry.WithField("errors", c.Errors.String())
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			entry.Error("http request")
		case status >= 400:
			entry.Warn("http request")
		default:
			entry.Debug("http request")
		}
	}
}

// GinRecovery converts panics into 500 responses and logs the panic value.
func GinRecovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		log.WithField("request_id", RequestID(c)).Errorf("http panic: %v", recovered)
		c.AbortWithStatusJSON(500, gin.H{"error": "internal error"})
	})
}

// RequestID returns the id assigned by GinLogger, or "".
func RequestID(c *gin.Context) string {
	if c == nil {
		return ""
	}
	return c.GetString(requestIDKey)
}
