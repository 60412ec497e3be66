package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-reminder-worker/internal/clock"
	"github.com/tbourn/go-reminder-worker/internal/config"
	"github.com/tbourn/go-reminder-worker/internal/delivery"
	"github.com/tbourn/go-reminder-worker/internal/http/handlers"
	"github.com/tbourn/go-reminder-worker/internal/recovery"
	"github.com/tbourn/go-reminder-worker/internal/realtime"
	"github.com/tbourn/go-reminder-worker/internal/scheduler"
	"github.com/tbourn/go-reminder-worker/internal/services"
	"github.com/tbourn/go-reminder-worker/internal/store"
)

var epoch = time.UnixMilli(1_700_000_000_000)

func baseConfig() config.Config {
	return config.Config{
		APIBasePath: "/api/v1",
		RateRPS:     100,
		RateBurst:   10,
		CORS:        config.CORSConfig{AllowedOrigins: nil},
		Security:    config.SecurityConfig{EnableHSTS: false},
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
	}
}

// newTestEngine wires the real worker against an in-memory store, a fake
// clock and a realtime hub without clients.
func newTestEngine(t *testing.T, cfg config.Config) (*gin.Engine, *clock.Fake) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	st := store.New(store.NewSQLiteBackendWithDB(db), store.NewFileBackend(filepath.Join(t.TempDir(), "kv.json")))

	hub := realtime.NewHub(realtime.Options{})
	router := delivery.NewRouter(hub, hub, delivery.Options{BaseURL: "/"})
	clk := clock.NewFake(epoch)
	sched := scheduler.New(st, router, scheduler.Options{Clock: clk})
	rs := services.NewReminderService(sched)
	w := services.NewWorker(st, recovery.New(st, sched), router, rs, sched)
	hub.SetHandler(w.HandleInbound)

	ctx := context.Background()
	if err := w.Install(ctx); err != nil {
		t.Fatalf("install: %v", err)
	}
	if _, err := w.Activate(ctx); err != nil {
		t.Fatalf("activate: %v", err)
	}
	t.Cleanup(func() {
		_ = w.Shutdown()
		hub.Close()
	})

	r := gin.New()
	RegisterRoutes(r, handlers.New(rs, w), hub.ServeWS, cfg)
	return r, clk
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r, _ := newTestEngine(t, baseConfig())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected ACAO *, got %q", got)
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("reminders_armed")) {
		t.Fatalf("expected reminder gauges in /metrics output")
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope = %d; want 404", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health = %d; want 405", w.Code)
	}
}

func TestRegisterRoutes_CORSAllowedOrigins_Echo(t *testing.T) {
	cfg := baseConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	r, _ := newTestEngine(t, cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func TestRegisterRoutes_ReminderLifecycle(t *testing.T) {
	r, clk := newTestEngine(t, baseConfig())

	body := `{"habitOrTaskId":"h1","fireAtEpochMs":1700000060000,"title":"Read","body":"Time to read"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reminders", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /reminders = %d body=%s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("api responses should be no-store, got %q", got)
	}
	if clk.Active() != 1 {
		t.Fatalf("armed timers = %d; want 1", clk.Active())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/reminders", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /reminders = %d", w.Code)
	}
	var list handlers.ListRemindersResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Total != 1 || len(list.Reminders) != 1 || list.Reminders[0].SourceID != "h1" {
		t.Fatalf("unexpected listing: %+v", list)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/v1/sources/h1/reminders", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("DELETE /sources/h1/reminders = %d body=%s", w.Code, w.Body.String())
	}
	if clk.Active() != 0 {
		t.Fatalf("cancel should disarm the timer, active=%d", clk.Active())
	}
}

func TestRegisterRoutes_InvalidReminderAndUnknownMessage(t *testing.T) {
	r, _ := newTestEngine(t, baseConfig())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/reminders", bytes.NewBufferString(`{"title":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("POST /reminders without source = %d; want 400", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/messages", bytes.NewBufferString(`{"type":"PING"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("POST /messages PING = %d; want 400", w.Code)
	}
}

func TestRegisterRoutes_GzipOnAPI(t *testing.T) {
	r, _ := newTestEngine(t, baseConfig())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/reminders", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /reminders = %d", w.Code)
	}
	if got := w.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q; want gzip", got)
	}
}

func TestRegisterRoutes_HealthExemptFromRateLimit(t *testing.T) {
	cfg := baseConfig()
	cfg.RateRPS = 0.001
	cfg.RateBurst = 1
	r, _ := newTestEngine(t, cfg)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("GET /health #%d = %d", i, w.Code)
		}
	}

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/reminders", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Fatalf("api codes = %v; want [200 429]", codes)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB"))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

// Every @Router annotation on a handler must name a route the engine serves.
func TestRouterAnnotations_MatchRegisteredRoutes(t *testing.T) {
	r, _ := newTestEngine(t, baseConfig())
	served := map[string]bool{}
	for _, rt := range r.Routes() {
		served[rt.Method+" "+rt.Path] = true
	}

	files, err := filepath.Glob(filepath.Join("handlers", "*_handler.go"))
	if err != nil || len(files) == 0 {
		t.Fatalf("handler sources not found: %v", err)
	}
	param := regexp.MustCompile(`\{(\w+)\}`)
	annotation := regexp.MustCompile(`(?m)^// @Router\s+(\S+)\s+\[(\w+)\]`)
	seen := 0
	for _, f := range files {
		src, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		for _, m := range annotation.FindAllStringSubmatch(string(src), -1) {
			seen++
			key := strings.ToUpper(m[2]) + " /api/v1" + param.ReplaceAllString(m[1], ":$1")
			if !served[key] {
				t.Errorf("%s documents %q, which is not registered", filepath.Base(f), key)
			}
		}
	}
	if seen != 9 {
		t.Fatalf("found %d @Router annotations; want 9", seen)
	}
}
