package httpapi

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/roadside_dispatch/backend/internal/config"
	"github.com/roadside_dispatch/backend/internal/db"
	"github.com/roadside_dispatch/backend/internal/geo"
	"github.com/roadside_dispatch/backend/internal/http/handlers"
	"github.com/roadside_dispatch/backend/internal/http/middleware"
	"github.com/roadside_dispatch/backend/internal/models"
	"github.com/roadside_dispatch/backend/internal/notify"
	"github.com/roadside_dispatch/backend/internal/service"
)

const adminKey = "secret"

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zerolog.Nop()
	store := db.NewMemoryStore()
	clock := service.SystemClock{}
	queue := notify.NewQueue(64, notify.LogSink{Logger: logger}, logger)
	locator := geo.HaversineLocator{Source: store, AverageSpeedKmh: 40}

	tracker := &service.SLATracker{
		Store:          store,
		Locator:        locator,
		Clock:          clock,
		Notifier:       queue,
		Logger:         logger,
		BufferRatio:    0.2,
		FallbackWindow: time.Hour,
		GeoTimeout:     time.Second,
	}
	lifecycle := &service.OfferLifecycle{Store: store, Tracker: tracker, Clock: clock, Notifier: queue, Logger: logger}
	engine := &service.DispatchEngine{
		Store:         store,
		Locator:       locator,
		Tracker:       tracker,
		Clock:         clock,
		Notifier:      queue,
		Logger:        logger,
		RadiusKm:      10,
		OfferTTL:      5 * time.Minute,
		MaxCandidates: 5,
		GeoTimeout:    time.Second,
	}
	h := &handlers.Handler{
		Store:     store,
		Engine:    engine,
		Lifecycle: lifecycle,
		Tracker:   tracker,
		Sweeper:   &service.Sweeper{Lifecycle: lifecycle, Tracker: tracker, Clock: clock, Interval: time.Minute, Logger: logger},
		Hub:       notify.NewHub(logger),
		Validator: validator.New(),
		Logger:    logger,
	}
	cfg := config.Config{AdminKey: adminKey, CORSAllowed: "*", MaxUploadSizeMB: 1, RequestTimeout: 5 * time.Second}
	return Router(cfg, h)
}

func do(r *gin.Engine, method, path, userID, role string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(middleware.UserIDHeader, userID)
		req.Header.Set(middleware.UserRoleHeader, role)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env.Error.Code
}

func importFixtures(t *testing.T, r *gin.Engine) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	files := map[string]string{
		"bookings":  "id,customer_id,pickup_lat,pickup_lon\nb1,c1,51.1605,71.4704\n",
		"mechanics": "id,name,lat,lon,is_online,is_available\nm1,Near,51.1695,71.4704,true,true\nm2,Far,51.3,71.4704,true,true\n",
	}
	for field, content := range files {
		part, err := mw.CreateFormFile(field, field+".csv")
		require.NoError(t, err)
		_, err = part.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/admin/import", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Admin-Key", adminKey)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var summary handlers.ImportSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	require.Equal(t, 1, summary.Bookings.Upserted)
	require.Equal(t, 2, summary.Mechanics.Upserted)
}

func TestDispatchFlowOverHTTP(t *testing.T) {
	r := newTestRouter(t)
	importFixtures(t, r)

	w := do(r, http.MethodPost, "/api/dispatches", "", "", map[string]string{"booking_id": "b1"})
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/api/dispatches", "m9", middleware.RoleMechanic, map[string]string{"booking_id": "b1"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/api/dispatches", "op1", middleware.RoleOperator, map[string]string{"booking_id": "b1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var d models.Dispatch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	require.Equal(t, "m1", d.Offer.MechanicID)
	require.Equal(t, models.OfferAssigned, d.Offer.Status)
	require.Equal(t, models.ModeAuto, d.Offer.Mode)

	w = do(r, http.MethodPost, "/api/dispatches", "op1", middleware.RoleOperator, map[string]string{"booking_id": "b1"})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "OFFER_ALREADY_ACTIVE", errorCode(t, w))

	w = do(r, http.MethodPost, "/api/offers/"+d.Offer.ID+"/accept", "m2", middleware.RoleMechanic, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, "NOT_AUTHORIZED", errorCode(t, w))

	w = do(r, http.MethodPost, "/api/offers/"+d.Offer.ID+"/accept", "m1", middleware.RoleMechanic, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(r, http.MethodPost, "/api/offers/"+d.Offer.ID+"/reject", "m1", middleware.RoleMechanic, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "OFFER_NO_LONGER_VALID", errorCode(t, w))

	w = do(r, http.MethodGet, "/api/bookings/b1/sla", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var slaBody struct {
		SLA models.SLARecord `json:"sla"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &slaBody))
	require.Equal(t, models.SLAInTransit, slaBody.SLA.Status)
	require.NotNil(t, slaBody.SLA.ExpectedArrivalAt)

	w = do(r, http.MethodPost, "/api/bookings/b1/complete", "op1", middleware.RoleOperator, map[string]int64{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/bookings/b1/complete", "op1", middleware.RoleOperator, map[string]int64{"actual_duration_ms": 600_400})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &slaBody))
	require.Equal(t, models.SLACompleted, slaBody.SLA.Status)
	require.NotNil(t, slaBody.SLA.ActualDurationSeconds)
	require.EqualValues(t, 600, *slaBody.SLA.ActualDurationSeconds)
	require.NotNil(t, slaBody.SLA.VarianceSeconds)
	require.Equal(t, 600-slaBody.SLA.ExpectedDurationSeconds, *slaBody.SLA.VarianceSeconds)

	w = do(r, http.MethodPost, "/api/bookings/b1/complete", "op1", middleware.RoleOperator, map[string]int64{"actual_duration_ms": 1})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "SLA_INVALID_STATE", errorCode(t, w))
}

func TestUnknownResourcesOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	w := do(r, http.MethodGet, "/api/offers/nope", "", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "OFFER_NOT_FOUND", errorCode(t, w))

	w = do(r, http.MethodPost, "/api/dispatches", "op1", middleware.RoleOperator, map[string]string{"booking_id": "nope"})
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "BOOKING_NOT_FOUND", errorCode(t, w))

	w = do(r, http.MethodGet, "/api/bookings/nope/sla", "", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminRoutesRequireKey(t *testing.T) {
	r := newTestRouter(t)

	w := do(r, http.MethodPost, "/api/admin/sweep", "", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/sweep", nil)
	req.Header.Set("X-Admin-Key", adminKey)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res service.SweepResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Zero(t, res.Expired)
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(t)
	w := do(r, http.MethodGet, "/metrics", "", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestInitializeSLAOverHTTP(t *testing.T) {
	r := newTestRouter(t)
	importFixtures(t, r)

	put := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/api/admin/bookings/b1/sla", bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Admin-Key", adminKey)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := put(`{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = put(`{"expected_duration_seconds": 900}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		SLA models.SLARecord `json:"sla"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, models.SLAPending, body.SLA.Status)
	require.EqualValues(t, 900, body.SLA.ExpectedDurationSeconds)

	w = do(r, http.MethodPost, "/api/dispatches", "op1", middleware.RoleOperator, map[string]string{"booking_id": "b1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var d models.Dispatch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	w = do(r, http.MethodPost, "/api/offers/"+d.Offer.ID+"/accept", "m1", middleware.RoleMechanic, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = put(`{"expected_duration_seconds": 900}`)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "SLA_INVALID_STATE", errorCode(t, w))
}
