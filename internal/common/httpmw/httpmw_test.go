package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kibble/kibble/internal/common/logger"
)

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	router := gin.New()
	router.Use(OtelTracing("test"), RequestLogger(logger.FromZap(zap.New(core)), "test"))
	router.GET("/sessions/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	tests := []struct {
		path    string
		level   zapcore.Level
		message string
	}{
		{"/sessions/s1", zapcore.DebugLevel, "request"},
		{"/missing", zapcore.WarnLevel, "request rejected"},
		{"/boom", zapcore.ErrorLevel, "request failed"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			entries := logs.TakeAll()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.level, entries[0].Level)
			assert.Equal(t, tt.message, entries[0].Message)
		})
	}
}

func TestRequestLogger_SessionID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	router := gin.New()
	router.Use(RequestLogger(logger.FromZap(zap.New(core)), "test"))
	router.GET("/sessions/:id/messages", func(c *gin.Context) { c.Status(http.StatusOK) })

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/sessions/abc/messages", nil))

	entries := logs.FilterField(zap.String("session_id", "abc")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "/sessions/:id/messages", entries[0].ContextMap()["route"])
}
