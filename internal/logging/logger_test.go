package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestGinMiddlewareLevels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)

	router := gin.New()
	router.Use(GinMiddleware(zap.New(core)))
	router.GET("/status/:code", func(c *gin.Context) {
		switch c.Param("code") {
		case "ok":
			c.Status(http.StatusOK)
		case "bad":
			c.Status(http.StatusBadRequest)
		default:
			c.Status(http.StatusInternalServerError)
		}
	})

	for _, code := range []string{"ok", "bad", "boom"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status/"+code, nil))
	}

	entries := logs.AllUntimed()
	if len(entries) != 3 {
		t.Fatalf("expected 3 log entries, got %d", len(entries))
	}
	want := []zapcore.Level{zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel}
	for i, entry := range entries {
		if entry.Level != want[i] {
			t.Fatalf("entry %d: expected level %v, got %v", i, want[i], entry.Level)
		}
		if entry.ContextMap()["path"] != "/status/:code" {
			t.Fatalf("entry %d: unexpected path %v", i, entry.ContextMap()["path"])
		}
	}
}

func TestWithOperationFields(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)

	WithOperation(zap.New(core), "usecase.predict_upload", "req-9").Info("hello")
	WithOperation(zap.New(core), "usecase.login", "").Info("hello")

	entries := logs.AllUntimed()
	if got := entries[0].ContextMap(); got["operation"] != "usecase.predict_upload" || got["request_id"] != "req-9" {
		t.Fatalf("unexpected fields %v", got)
	}
	if _, ok := entries[1].ContextMap()["request_id"]; ok {
		t.Fatal("empty request id should be omitted")
	}
}
