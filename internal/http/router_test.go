package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/bucket"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/config"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/domain"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/http/middleware"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/otp"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/realtime"
	"github.com/sahilsethi-a11y/adports-prototype-sub000/internal/repo"
)

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:router_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig(base string) config.Config {
	return config.Config{
		APIBasePath: base,
		RateRPS:     100,
		RateBurst:   50,
		Security:    config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:        config.OTELConfig{ServiceName: "test-svc"},
		Negotiation: config.NegotiationConfig{MaxContentRunes: 2000, MinDownPayment: 10},
		Realtime:    config.RealtimeConfig{ReconnectHint: 2 * time.Second, PollIntervalHint: 5 * time.Second},
	}
}

func newBackends(t *testing.T) Backends {
	t.Helper()
	hub := realtime.NewHub(16)
	t.Cleanup(hub.Close)
	typing := realtime.NewTyping(hub, 800*time.Millisecond, 2*time.Second)
	t.Cleanup(typing.Stop)
	return Backends{
		Hub:    hub,
		Typing: typing,
		Gate:   otp.NewGate(otp.NewMemoryStore(), otp.LogSender{}, otp.Options{Secret: []byte("router")}),
	}
}

func serve(r *gin.Engine, method, path, user string, body any, hdr ...string) *httptest.ResponseRecorder {
	var rd io.Reader = http.NoBody
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(middleware.HeaderUserID, user)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), newBackends(t), testConfig("/api/v1"))

	// /health works
	w := serve(r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	// /metrics is wired
	w = serve(r, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || len(w.Body.Bytes()) == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	if w := serve(r, http.MethodGet, "/nope", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (POST /health)
	if w := serve(r, http.MethodPost, "/health", "", nil); w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := testConfig("/api/v2")
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	RegisterRoutes(r, newTestDB(t), newBackends(t), cfg)

	w := serve(r, http.MethodGet, "/health", "", nil, "Origin", "http://example.com")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}

	// API routes require an identity.
	w = serve(r, http.MethodGet, "/api/v2/ports", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("API without identity = %d", w.Code)
	}
}

func TestRegisterRoutes_NegotiationFlowAndReplay(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), newBackends(t), testConfig("/api/v1"))

	unit := bucket.Entry{
		UnitID: "u1", SellerID: "s1", Quantity: 1, Currency: "USD",
		Attributes: bucket.Attributes{Brand: "Toyota", Model: "Hilux", Year: "2024", Condition: "new"},
		UnitPrice:  decimal.NewFromInt(30000),
	}
	w := serve(r, http.MethodPost, "/api/v1/conversations", "b1", map[string]any{
		"seller_id": "s1", "item_id": "i1", "market": "individual", "selection": []bucket.Entry{unit},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("ensure: %d %s", w.Code, w.Body.String())
	}
	var conv struct {
		Conversation domain.Conversation `json:"conversation"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &conv)
	base := "/api/v1/conversations/" + conv.Conversation.ID

	// The lookup marks the second request as a replay; the handler serves the stored message.
	first := serve(r, http.MethodPost, base+"/messages", "b1", map[string]string{"content": "hi"}, middleware.HeaderIdempotencyKey, "k-1")
	second := serve(r, http.MethodPost, base+"/messages", "b1", map[string]string{"content": "hi"}, middleware.HeaderIdempotencyKey, "k-1")
	if first.Code != http.StatusCreated || second.Code != http.StatusOK || second.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay: %d %d %v", first.Code, second.Code, second.Header())
	}

	// Configured ports surface through the catalog endpoint.
	w = serve(r, http.MethodGet, "/api/v1/ports", "b1", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte("Yantai")) {
		t.Fatalf("ports: %d %s", w.Code, w.Body.String())
	}

	// OTP is wired but refuses before acceptance.
	if w := serve(r, http.MethodPost, base+"/otp", "b1", nil); w.Code != http.StatusConflict {
		t.Fatalf("otp before accept: %d %s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_WithoutBackends(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	RegisterRoutes(r, newTestDB(t), Backends{}, testConfig("/api/v1"))

	for _, p := range []string{"/api/v1/conversations/c1/events", "/api/v1/conversations/c1/ws"} {
		if w := serve(r, http.MethodGet, p, "b1", nil); w.Code != http.StatusServiceUnavailable {
			t.Fatalf("%s = %d", p, w.Code)
		}
	}
	if w := serve(r, http.MethodPost, "/api/v1/conversations/c1/otp", "b1", nil); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("otp = %d", w.Code)
	}
}

func TestRegisterRoutes_Gzip(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	cfg := testConfig("/api/v1")
	cfg.GzipEnabled = true
	RegisterRoutes(r, newTestDB(t), newBackends(t), cfg)

	w := serve(r, http.MethodGet, "/api/v1/ports", "b1", nil, "Accept-Encoding", "gzip")
	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip, got headers %v", w.Header())
	}
}

func Test_idempotencyScope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	got := map[string]string{}
	record := func(c *gin.Context) { got[c.Request.Method+" "+c.FullPath()] = idempotencyScope(c) }
	r.POST("/c/:id/messages", record)
	r.GET("/c/:id/messages", record)
	r.POST("/c/:id/proposals", record)
	r.POST("/c/:id/proposals/preview", record)
	r.POST("/c/:id/accept", record)

	for _, req := range [][2]string{
		{http.MethodPost, "/c/1/messages"},
		{http.MethodGet, "/c/1/messages"},
		{http.MethodPost, "/c/1/proposals"},
		{http.MethodPost, "/c/1/proposals/preview"},
		{http.MethodPost, "/c/1/accept"},
	} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(req[0], req[1], nil))
	}

	want := map[string]string{
		"POST /c/:id/messages":          domain.ScopeMessage,
		"GET /c/:id/messages":           "",
		"POST /c/:id/proposals":         domain.ScopeProposal,
		"POST /c/:id/proposals/preview": "",
		"POST /c/:id/accept":            "",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s: scope %q; want %q", k, got[k], v)
		}
	}
}

func Test_checkOrigin(t *testing.T) {
	if checkOrigin(nil) != nil {
		t.Fatal("no allowlist must defer to the default")
	}
	check := checkOrigin([]string{"https://app.example"})
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	if !check(req("https://app.example")) || !check(req("")) || check(req("https://evil.example")) {
		t.Fatal("unexpected origin decision")
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
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
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// "/" and "" should mount at root
	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, body := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != body {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

func Test_conversationRepoShim_Proxies(t *testing.T) {
	db := newTestDB(t)
	shim := conversationRepoShim{}
	ctx := context.Background()

	c1, created, err := shim.EnsureConversation(ctx, db, &domain.Conversation{
		ID: domain.ConversationID("b1", "s1", "i1"), BuyerID: "b1", SellerID: "s1", ItemID: "i1", Market: domain.MarketBulk,
	})
	if err != nil || !created {
		t.Fatalf("EnsureConversation: created=%v err=%v", created, err)
	}
	if _, err := shim.GetConversationFor(ctx, db, c1.ID, "s1"); err != nil {
		t.Fatalf("GetConversationFor: %v", err)
	}
	if _, err := shim.GetConversationFor(ctx, db, c1.ID, "x9"); err == nil {
		t.Fatal("stranger must not see the conversation")
	}
	for _, item := range []string{"i2", "i3"} {
		if _, _, err := shim.EnsureConversation(ctx, db, &domain.Conversation{
			ID: domain.ConversationID("b1", "s1", item), BuyerID: "b1", SellerID: "s1", ItemID: item, Market: domain.MarketBulk,
		}); err != nil {
			t.Fatalf("seed %s: %v", item, err)
		}
	}
	if n, err := shim.CountConversations(ctx, db, "b1"); err != nil || n != 3 {
		t.Fatalf("CountConversations = %d, %v", n, err)
	}
	page, err := shim.ListConversationsPage(ctx, db, "s1", 0, 2)
	if err != nil || len(page) != 2 {
		t.Fatalf("ListConversationsPage = %d, %v", len(page), err)
	}
	sel := []bucket.Entry{{UnitID: "u1", SellerID: "s1", Quantity: 1, UnitPrice: decimal.NewFromInt(5), Currency: "USD"}}
	if err := shim.UpdateSelection(ctx, db, c1.ID, sel); err != nil {
		t.Fatalf("UpdateSelection: %v", err)
	}
	got, _ := shim.GetConversationFor(ctx, db, c1.ID, "b1")
	if len(got.Selection) != 1 {
		t.Fatalf("selection not stored: %+v", got.Selection)
	}
}
