package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hearly/hearly-api/internal/auth"
	"github.com/hearly/hearly-api/internal/config"
	"github.com/hearly/hearly-api/internal/db"
	"github.com/hearly/hearly-api/internal/db/dbfake"
	"github.com/hearly/hearly-api/internal/engine"
	"github.com/hearly/hearly-api/internal/fabric"
	"github.com/hearly/hearly-api/internal/media"
	"github.com/hearly/hearly-api/internal/payments"
)

// fakeGateway implements payments.Gateway for handler tests.
type fakeGateway struct {
	mu        sync.Mutex
	checkouts []payments.CheckoutParams
	refunds   []string

	verifyEvent payments.WebhookEvent
	verifyErr   error
	checkoutErr error
}

func (f *fakeGateway) CreateCheckoutSession(_ context.Context, params payments.CheckoutParams) (*payments.Checkout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	f.checkouts = append(f.checkouts, params)
	id := fmt.Sprintf("cs_test_%d", len(f.checkouts))
	return &payments.Checkout{SessionID: id, URL: "https://checkout.test/" + id}, nil
}

func (f *fakeGateway) VerifyWebhook([]byte, string) (payments.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyEvent, f.verifyErr
}

func (f *fakeGateway) RefundPayment(_ context.Context, paymentIntentID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunds = append(f.refunds, paymentIntentID)
	return fmt.Sprintf("re_test_%d", len(f.refunds)), nil
}

func (f *fakeGateway) refundedRefs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refunds...)
}

type testEnv struct {
	store    *dbfake.Store
	fab      *fabric.MemoryFabric
	gateway  *fakeGateway
	eng      *engine.Engine
	tokens   *auth.TokenService
	router   *gin.Engine
	talker   db.User
	listener db.User
	template db.PackageTemplate
}

// newTestEnv builds the full handler stack over in-memory dependencies and
// seeds a talker, an active listener and a 10-minute/20.00 package (fee 10%).
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := dbfake.New()
	fab := fabric.NewMemoryFabric()
	gateway := &fakeGateway{}
	tokens := auth.NewTokenService("test-secret", time.Hour)
	mediaIssuer := media.NewTokenIssuer("app-test", "cert-test", time.Hour)

	// A long tick keeps the runner quiet; tests drive transitions directly.
	eng := engine.New(store, fab, zap.NewNop(), engine.Config{
		TickInterval:     time.Hour,
		WarningThreshold: 3,
		EndGrace:         -1,
	})
	t.Cleanup(eng.Shutdown)

	common := NewCommonServices(store, fab, gateway, mediaIssuer, eng, tokens, &config.Config{})

	packageHandler := NewPackageHandler(common)
	purchaseHandler := NewPurchaseHandler(common)
	sessionHandler := NewSessionHandler(common)
	payoutHandler := NewPayoutHandler(common)
	rejectionHandler := NewRejectionHandler(common)
	webhookHandler := NewWebhookHandler(common)

	router := gin.New()
	v1 := router.Group("/api/v1")
	v1.POST("/payments/webhook", webhookHandler.HandlePaymentWebhook)
	protected := v1.Group("/")
	protected.Use(auth.EnsureAuthenticated(tokens))
	{
		protected.GET("/packages", packageHandler.ListPackages)
		protected.POST("/purchases", purchaseHandler.CreatePurchase)
		protected.POST("/purchases/extend", purchaseHandler.ExtendPurchase)
		protected.GET("/listeners/:listener_id/availability", purchaseHandler.GetListenerAvailability)
		protected.POST("/sessions", sessionHandler.AllocateSession)
		protected.GET("/sessions/active", sessionHandler.GetActiveSession)
		protected.GET("/sessions/history", sessionHandler.ListSessionHistory)
		protected.GET("/sessions/:session_id", sessionHandler.GetSession)
		protected.POST("/sessions/:session_id/accept", sessionHandler.AcceptSession)
		protected.POST("/sessions/:session_id/end", sessionHandler.EndSession)
		protected.POST("/sessions/:session_id/media-token", sessionHandler.RefreshMediaToken)
		protected.GET("/payouts", payoutHandler.ListPayouts)
		protected.GET("/payouts/balance", payoutHandler.GetBalance)
		protected.POST("/payouts/request", payoutHandler.RequestPayout)
		protected.POST("/rejections", rejectionHandler.RejectPurchase)
	}

	talker := db.User{ID: uuid.New(), Email: "talker@example.com", FullName: "Test Talker", UserType: db.UserTypeTalker, Active: true, CreatedAt: time.Now()}
	listener := db.User{ID: uuid.New(), Email: "listener@example.com", FullName: "Test Listener", UserType: db.UserTypeListener, Active: true, CreatedAt: time.Now()}
	store.Users[talker.ID] = talker
	store.Users[listener.ID] = listener

	template := db.PackageTemplate{
		ID:              uuid.New(),
		Name:            "Quick Chat",
		Kind:            db.PackageKindAudio,
		DurationMinutes: 10,
		Price:           decimal.RequireFromString("20.00"),
		FeePercent:      decimal.RequireFromString("10"),
		Active:          true,
	}
	store.Templates[template.ID] = template

	return &testEnv{
		store:    store,
		fab:      fab,
		gateway:  gateway,
		eng:      eng,
		tokens:   tokens,
		router:   router,
		talker:   talker,
		listener: listener,
		template: template,
	}
}

func (e *testEnv) tokenFor(t *testing.T, u db.User) string {
	t.Helper()
	token, err := e.tokens.IssueToken(u.ID, string(u.UserType))
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// createConfirmedPurchase persists a confirmed initial purchase with its
// payout record, as the webhook reconciler leaves it.
func (e *testEnv) createConfirmedPurchase(t *testing.T, paymentRef string) db.Purchase {
	t.Helper()
	ctx := context.Background()

	purchase, err := e.store.CreatePurchase(ctx, db.CreatePurchaseParams{
		TalkerID:        e.talker.ID,
		ListenerID:      e.listener.ID,
		TemplateID:      e.template.ID,
		TotalAmount:     e.template.Price,
		FeeAmount:       e.template.FeeAmount(),
		ListenerAmount:  e.template.ListenerAmount(),
		DurationMinutes: e.template.DurationMinutes,
	})
	require.NoError(t, err)
	purchase, err = e.store.ConfirmPurchase(ctx, db.ConfirmPurchaseParams{ID: purchase.ID, ExternalPaymentRef: paymentRef})
	require.NoError(t, err)
	_, err = e.store.CreatePayoutRecord(ctx, db.CreatePayoutRecordParams{
		ListenerID: e.listener.ID,
		PurchaseID: purchase.ID,
		Amount:     purchase.ListenerAmount,
	})
	require.NoError(t, err)
	return purchase
}

// allocate drives the allocation endpoint and returns the created session.
func (e *testEnv) allocate(t *testing.T, purchase db.Purchase) AllocateSessionResponse {
	t.Helper()
	w := e.do(t, http.MethodPost, "/api/v1/sessions", e.tokenFor(t, e.talker),
		AllocateSessionRequest{PurchaseID: purchase.ID.String()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp AllocateSessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestListPackages(t *testing.T) {
	env := newTestEnv(t)
	retired := db.PackageTemplate{
		ID: uuid.New(), Name: "Retired", Kind: db.PackageKindAudio,
		DurationMinutes: 5, Price: decimal.RequireFromString("5.00"),
		FeePercent: decimal.RequireFromString("10"), Active: false,
	}
	env.store.Templates[retired.ID] = retired

	w := env.do(t, http.MethodGet, "/api/v1/packages", env.tokenFor(t, env.talker), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data []PackageResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	require.Equal(t, "Quick Chat", resp.Data[0].Name)
}

func TestListPackagesRequiresAuth(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/packages", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreatePurchase(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/api/v1/purchases", env.tokenFor(t, env.talker), CreatePurchaseRequest{
		ListenerID: env.listener.ID.String(),
		TemplateID: env.template.ID.String(),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp CheckoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.CheckoutURL)
	require.Equal(t, "pending", resp.Purchase.Status)
	require.Equal(t, "20.00", resp.Purchase.TotalAmount)
	require.Equal(t, "2.00", resp.Purchase.FeeAmount)
	require.Equal(t, "18.00", resp.Purchase.ListenerAmount)

	purchaseID := uuid.MustParse(resp.Purchase.ID)
	stored, err := env.store.GetPurchase(context.Background(), purchaseID)
	require.NoError(t, err)
	require.NotNil(t, stored.CheckoutSessionID)

	require.Len(t, env.gateway.checkouts, 1)
	require.Equal(t, payments.CheckoutKindInitial, env.gateway.checkouts[0].Kind)
	require.Equal(t, int64(2000), env.gateway.checkouts[0].AmountCents)
}

func TestCreatePurchaseBusyListenerPersistsNothing(t *testing.T) {
	env := newTestEnv(t)

	free := db.User{ID: uuid.New(), Email: "free@example.com", FullName: "Free Listener", UserType: db.UserTypeListener, Active: true, CreatedAt: time.Now()}
	env.store.Users[free.ID] = free

	purchase := env.createConfirmedPurchase(t, "pi_busy")
	env.allocate(t, purchase)

	before := len(env.store.Purchases)
	w := env.do(t, http.MethodPost, "/api/v1/purchases", env.tokenFor(t, env.talker), CreatePurchaseRequest{
		ListenerID: env.listener.ID.String(),
		TemplateID: env.template.ID.String(),
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp BusyListenerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.FreeListeners, 1)
	require.Equal(t, free.ID.String(), resp.FreeListeners[0].ID)

	// A busy rejection leaves no pending row behind.
	require.Equal(t, before, len(env.store.Purchases))
}

func TestExtendPurchaseRejectsRetiredTemplate(t *testing.T) {
	env := newTestEnv(t)

	purchase := env.createConfirmedPurchase(t, "pi_ext_retired")
	resp := env.allocate(t, purchase)

	env.store.WithLock(func() {
		tmpl := env.store.Templates[env.template.ID]
		tmpl.Active = false
		env.store.Templates[env.template.ID] = tmpl
	})

	w := env.do(t, http.MethodPost, "/api/v1/purchases/extend", env.tokenFor(t, env.talker), ExtendPurchaseRequest{
		SessionID:  resp.Session.ID,
		TemplateID: env.template.ID.String(),
	})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestListenerAvailability(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/listeners/"+env.listener.ID.String()+"/availability", env.tokenFor(t, env.talker), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"available":true`)

	purchase := env.createConfirmedPurchase(t, "pi_avail")
	env.allocate(t, purchase)

	w = env.do(t, http.MethodGet, "/api/v1/listeners/"+env.listener.ID.String()+"/availability", env.tokenFor(t, env.talker), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), `"available":false`)
}

func TestAllocateSession(t *testing.T) {
	env := newTestEnv(t)
	purchase := env.createConfirmedPurchase(t, "pi_alloc")

	sub, err := env.fab.Subscribe(context.Background(), fabric.NotificationsGroup(env.listener.ID))
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })

	resp := env.allocate(t, purchase)
	require.Equal(t, "connecting", resp.Session.Status)
	require.Equal(t, int32(10), resp.Session.TotalMinutesPurchased)
	require.Contains(t, resp.AttachURL, resp.Session.ID)
	require.NotEmpty(t, resp.MediaTokens.Talker.Value)
	require.NotEmpty(t, resp.MediaTokens.Listener.Value)
	require.Equal(t, resp.Session.ChannelName, resp.MediaTokens.Channel)
	require.Contains(t, resp.Session.ChannelName, resp.Session.ID)

	stored, err := env.store.GetPurchase(context.Background(), purchase.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SessionID)
	require.Equal(t, resp.Session.ID, stored.SessionID.String())

	select {
	case ev := <-sub.C():
		require.Equal(t, engine.EventIncomingCall, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected an incoming_call notification")
	}

	// A second allocation for the same purchase is rejected.
	w := env.do(t, http.MethodPost, "/api/v1/sessions", env.tokenFor(t, env.talker),
		AllocateSessionRequest{PurchaseID: purchase.ID.String()})
	require.Equal(t, http.StatusConflict, w.Code)
}

func TestAllocateSessionRequiresConfirmedPurchase(t *testing.T) {
	env := newTestEnv(t)

	purchase, err := env.store.CreatePurchase(context.Background(), db.CreatePurchaseParams{
		TalkerID:        env.talker.ID,
		ListenerID:      env.listener.ID,
		TemplateID:      env.template.ID,
		TotalAmount:     env.template.Price,
		FeeAmount:       env.template.FeeAmount(),
		ListenerAmount:  env.template.ListenerAmount(),
		DurationMinutes: env.template.DurationMinutes,
	})
	require.NoError(t, err)

	w := env.do(t, http.MethodPost, "/api/v1/sessions", env.tokenFor(t, env.talker),
		AllocateSessionRequest{PurchaseID: purchase.ID.String()})
	require.Equal(t, http.StatusConflict, w.Code)

	// Only the purchase owner can allocate.
	w = env.do(t, http.MethodPost, "/api/v1/sessions", env.tokenFor(t, env.listener),
		AllocateSessionRequest{PurchaseID: purchase.ID.String()})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestAcceptAndEndSession(t *testing.T) {
	env := newTestEnv(t)
	purchase := env.createConfirmedPurchase(t, "pi_flow")
	resp := env.allocate(t, purchase)
	sessionPath := "/api/v1/sessions/" + resp.Session.ID

	// The talker cannot accept their own call.
	w := env.do(t, http.MethodPost, sessionPath+"/accept", env.tokenFor(t, env.talker), nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, sessionPath+"/accept", env.tokenFor(t, env.listener), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var accepted SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	require.Equal(t, "active", accepted.Status)
	require.NotNil(t, accepted.StartedAt)

	w = env.do(t, http.MethodPost, sessionPath+"/end", env.tokenFor(t, env.listener), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ended SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ended))
	require.Equal(t, "ended", ended.Status)
	require.Equal(t, "ended_by_listener", ended.EndReason)

	// Settlement completed the purchase and credited the listener.
	stored, err := env.store.GetPurchase(context.Background(), purchase.ID)
	require.NoError(t, err)
	require.Equal(t, db.PurchaseStatusCompleted, stored.Status)

	balance, err := env.store.GetListenerBalance(context.Background(), env.listener.ID)
	require.NoError(t, err)
	require.True(t, balance.Available.Equal(decimal.RequireFromString("18.00")))
}

func TestGetActiveSessionAndHistory(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/sessions/active", env.tokenFor(t, env.talker), nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	purchase := env.createConfirmedPurchase(t, "pi_active")
	resp := env.allocate(t, purchase)

	w = env.do(t, http.MethodGet, "/api/v1/sessions/active", env.tokenFor(t, env.talker), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var active SessionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	require.Equal(t, resp.Session.ID, active.ID)

	w = env.do(t, http.MethodGet, "/api/v1/sessions/history", env.tokenFor(t, env.listener), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Data []SessionResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history.Data, 1)

	// Outsiders cannot read the session.
	outsider := db.User{ID: uuid.New(), Email: "other@example.com", UserType: db.UserTypeTalker, Active: true, CreatedAt: time.Now()}
	env.store.Users[outsider.ID] = outsider
	w = env.do(t, http.MethodGet, "/api/v1/sessions/"+resp.Session.ID, env.tokenFor(t, outsider), nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestRefreshMediaToken(t *testing.T) {
	env := newTestEnv(t)
	purchase := env.createConfirmedPurchase(t, "pi_media")
	resp := env.allocate(t, purchase)

	w := env.do(t, http.MethodPost, "/api/v1/sessions/"+resp.Session.ID+"/media-token", env.tokenFor(t, env.talker), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var token media.Token
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &token))
	require.Equal(t, resp.Session.ChannelName, token.Channel)
	require.Equal(t, env.talker.ID.String(), token.UID)

	// Refresh is refused once the session is over.
	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+resp.Session.ID+"/end", env.tokenFor(t, env.talker), nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(t, http.MethodPost, "/api/v1/sessions/"+resp.Session.ID+"/media-token", env.tokenFor(t, env.talker), nil)
	require.Equal(t, http.StatusConflict, w.Code)
}
