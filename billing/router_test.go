package billing_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingportal/billing"
)

type routerMocks struct {
	provider  *mockProvider
	store     *mockStore
	directory *mockDirectory
}

func newTestRouter(accountID uuid.UUID) (http.Handler, routerMocks) {
	m := routerMocks{
		provider:  new(mockProvider),
		store:     new(mockStore),
		directory: new(mockDirectory),
	}
	retry := new(mockRetryQueue)
	retry.On("Enqueue", mock.Anything).Maybe().Return()

	log := slog.New(slog.DiscardHandler)
	svc := billing.NewService(m.provider, m.store, m.directory, testCatalog(), retry, testServiceConfig(), log)
	processor := billing.NewWebhookProcessor(m.provider, m.store, billing.NopDeduplicator{}, billing.NopEventArchive{}, retry, log)

	router := billing.Router(billing.RouterConfig{
		Service:   svc,
		Processor: processor,
		Auth: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("X-Test-Auth") == "" {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		Identity: func(r *http.Request) (billing.Identity, error) {
			return billing.Identity{AccountID: accountID, Email: "user@example.com", Name: "User"}, nil
		},
		SignatureHeader: "Test-Signature",
	})
	return router, m
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRouterListPlansIsPublic(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(uuid.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plans", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["data"], 2)
}

func TestRouterRequiresAuth(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(uuid.New())

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/subscriptions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRouterCancelUnknownSubscription(t *testing.T) {
	t.Parallel()

	accountID := uuid.New()
	router, m := newTestRouter(accountID)

	subID := uuid.New()
	m.store.On("ByID", mock.Anything, subID).Return(nil, billing.ErrSubscriptionNotFound)

	req := httptest.NewRequest(http.MethodPost, "/subscriptions/"+subID.String()+"/cancel", nil)
	req.Header.Set("X-Test-Auth", "1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	body := decodeEnvelope(t, rec)
	assert.Equal(t, false, body["success"])
	errDetail := body["error"].(map[string]any)
	assert.Equal(t, "subscription_not_found", errDetail["code"])
}

func TestRouterCancelForeignSubscriptionMasked(t *testing.T) {
	t.Parallel()

	accountID := uuid.New()
	router, m := newTestRouter(accountID)

	subID := uuid.New()
	m.store.On("ByID", mock.Anything, subID).Return(&billing.Subscription{
		ID:        subID,
		AccountID: uuid.New(), // someone else's
		RemoteID:  "sub_foreign",
		Status:    billing.StatusActive,
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/subscriptions/"+subID.String()+"/cancel", nil)
	req.Header.Set("X-Test-Auth", "1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code, "ownership failures look identical to missing records")
	m.provider.AssertNotCalled(t, "UpdateSubscription", mock.Anything, mock.Anything, mock.Anything)
}

func TestRouterCancelImmediate(t *testing.T) {
	t.Parallel()

	accountID := uuid.New()
	router, m := newTestRouter(accountID)

	subID := uuid.New()
	m.store.On("ByID", mock.Anything, subID).Return(&billing.Subscription{
		ID:        subID,
		AccountID: accountID,
		RemoteID:  "sub_now",
		Status:    billing.StatusActive,
	}, nil)
	snap := &billing.Snapshot{RemoteID: "sub_now", Status: billing.StatusCanceled}
	m.provider.On("UpdateSubscription", mock.Anything, "sub_now", mock.MatchedBy(func(p billing.UpdateParams) bool {
		return p.CancelNow && p.CancelAtPeriodEnd == nil
	})).Return(snap, nil)
	m.store.On("ApplySnapshot", mock.Anything, "sub_now", snap).Return(nil)

	req := httptest.NewRequest(http.MethodPost, "/subscriptions/"+subID.String()+"/cancel",
		strings.NewReader(`{"cancel_at_period_end": false}`))
	req.Header.Set("X-Test-Auth", "1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	data := decodeEnvelope(t, rec)["data"].(map[string]any)
	assert.Equal(t, "canceled", data["status"])
	m.provider.AssertExpectations(t)
}

func TestRouterCheckoutValidatesBody(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(uuid.New())

	req := httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(`{"price_id":""}`))
	req.Header.Set("X-Test-Auth", "1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRouterWebhookBadSignature(t *testing.T) {
	t.Parallel()

	router, m := newTestRouter(uuid.New())
	m.provider.On("ParseWebhook", mock.Anything, "nonsense").Return(nil, billing.ErrInvalidSignature)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{}`))
	req.Header.Set("Test-Signature", "nonsense")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	m.store.AssertNotCalled(t, "ApplySnapshot", mock.Anything, mock.Anything, mock.Anything)
	m.store.AssertNotCalled(t, "CreateIfAbsent", mock.Anything, mock.Anything)
}

func TestRouterWebhookMalformedPayloadStillAcked(t *testing.T) {
	t.Parallel()

	router, m := newTestRouter(uuid.New())
	m.provider.On("ParseWebhook", mock.Anything, "valid").
		Return(nil, billing.ErrMalformedEvent)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"data":{"object":42}}`))
	req.Header.Set("Test-Signature", "valid")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "verified deliveries are acknowledged even when undecodable")
	data := decodeEnvelope(t, rec)["data"].(map[string]any)
	assert.Equal(t, true, data["received"])
}

func TestRouterUpstreamFailureIsBadGateway(t *testing.T) {
	t.Parallel()

	accountID := uuid.New()
	router, m := newTestRouter(accountID)

	m.directory.On("CustomerID", mock.Anything, accountID, "stripe").Return("cus_1", nil)
	m.provider.On("CreatePortalSession", mock.Anything, "cus_1", mock.Anything).
		Return(nil, billing.ErrUpstream)

	req := httptest.NewRequest(http.MethodPost, "/portal", nil)
	req.Header.Set("X-Test-Auth", "1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}
