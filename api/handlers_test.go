/*
handlers_test.go - Tests for the HTTP API

Tests for:
- Activity creation and retrieval, exact decimal rates on the wire
- Pay-rate and schedule-rule reconciliation through PUT
- Allocation lifecycle (upsert, end, suspend, resume, pay band)
- Error mapping (400, 404, 409)

The router runs against an in-memory SQLite store and a fixed clock.
*/
package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/activities-sync/activities"
	"github.com/warp/activities-sync/generic"
	"github.com/warp/activities-sync/store/sqlite"
)

type apiFixture struct {
	router http.Handler
	store  *sqlite.Store
	clock  *generic.FixedClock
}

func newAPIFixture(t *testing.T) apiFixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	for _, code := range []string{"BAS", "STD", "ENH"} {
		require.NoError(t, store.SaveIncentiveLevel(ctx, activities.IncentiveLevel{Prison: "MDI", Code: code}))
	}
	for _, code := range []string{"1", "2"} {
		require.NoError(t, store.SavePayBand(ctx, activities.PayBand{Code: code}))
	}

	clock := &generic.FixedClock{Date: mustDate(t, "2025-06-15")}
	svc := activities.NewService(store, clock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return apiFixture{
		router: NewRouter(NewHandler(svc), nil),
		store:  store,
		clock:  clock,
	}
}

func (f apiFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func mustDate(t *testing.T, s string) generic.TimePoint {
	t.Helper()
	d, err := generic.ParseDate(s)
	require.NoError(t, err)
	return d
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&v), rec.Body.String())
	return v
}

const kitchenJSON = `{
	"id": "A1",
	"prison": "MDI",
	"description": "Kitchen",
	"startDate": "2025-01-01",
	"payRates": [{"incentiveLevel": "STD", "payBand": "1", "rate": "3.20"}],
	"scheduleRules": [{"startTime": "09:00", "endTime": "12:00", "days": ["MON", "WED", "FRI"]}]
}`

func (f apiFixture) createKitchen(t *testing.T) {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/activities", kitchenJSON)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func (f apiFixture) bookAt(t *testing.T, booking, prison string) {
	t.Helper()
	rec := f.do(t, http.MethodPut, "/api/bookings/"+booking, `{"prison": "`+prison+`"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

// =============================================================================
// ACTIVITIES
// =============================================================================

func TestCreateActivity(t *testing.T) {
	f := newAPIFixture(t)

	// WHEN: an activity is pushed
	rec := f.do(t, http.MethodPost, "/api/activities", kitchenJSON)

	// THEN: it is created with today's rate and a minted rule id
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dto := decode[ActivityDTO](t, rec)
	assert.Equal(t, "A1", dto.ID)
	require.Len(t, dto.PayRates, 1)
	assert.Equal(t, "2025-06-15", dto.PayRates[0].StartDate)
	assert.Nil(t, dto.PayRates[0].EndDate)
	assert.True(t, dto.PayRates[0].Rate.Equal(decimal.RequireFromString("3.2")))

	require.Len(t, dto.ScheduleRules, 1)
	rule := dto.ScheduleRules[0]
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, []string{"MON", "WED", "FRI"}, rule.Days)
	assert.Equal(t, "AM", rule.Slot)

	require.Len(t, dto.CurrentRates, 1)
	assert.Equal(t, "STD", dto.CurrentRates[0].IncentiveLevel)
}

func TestCreateActivity_RatesAreStrings(t *testing.T) {
	f := newAPIFixture(t)

	// GIVEN: the rate arrives as a plain JSON number
	body := strings.Replace(kitchenJSON, `"rate": "3.20"`, `"rate": 0.1`, 1)

	rec := f.do(t, http.MethodPost, "/api/activities", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// THEN: it is decoded exactly and echoed as a decimal string
	assert.Contains(t, rec.Body.String(), `"rate":"0.1"`)
}

func TestCreateActivity_Errors(t *testing.T) {
	f := newAPIFixture(t)
	f.createKitchen(t)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed body", `{"id":`, http.StatusBadRequest},
		{"duplicate id", kitchenJSON, http.StatusConflict},
		{"bad start date", `{"id": "A2", "prison": "MDI", "startDate": "15/06/2025"}`, http.StatusBadRequest},
		{"missing prison", `{"id": "A2", "startDate": "2025-01-01"}`, http.StatusBadRequest},
		{"end before start", `{"id": "A2", "prison": "MDI", "startDate": "2025-01-01", "endDate": "2024-12-31"}`, http.StatusBadRequest},
		{"unknown incentive level", `{"id": "A2", "prison": "MDI", "startDate": "2025-01-01",
			"payRates": [{"incentiveLevel": "GOLD", "payBand": "1", "rate": "1"}]}`, http.StatusNotFound},
		{"rule without days", `{"id": "A2", "prison": "MDI", "startDate": "2025-01-01",
			"scheduleRules": [{"startTime": "09:00", "endTime": "12:00", "days": []}]}`, http.StatusBadRequest},
		{"unknown day", `{"id": "A2", "prison": "MDI", "startDate": "2025-01-01",
			"scheduleRules": [{"startTime": "09:00", "endTime": "12:00", "days": ["FUNDAY"]}]}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/activities", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestGetActivity_NotFound(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/activities/nope", "")

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdatePayRates(t *testing.T) {
	f := newAPIFixture(t)
	f.createKitchen(t)
	f.clock.Date = mustDate(t, "2025-06-20")

	// WHEN: STD/1 changes and ENH/1 is added
	rec := f.do(t, http.MethodPut, "/api/activities/A1/pay-rates", `{"payRates": [
		{"incentiveLevel": "STD", "payBand": "1", "rate": "4.30"},
		{"incentiveLevel": "ENH", "payBand": "1", "rate": "5"}
	]}`)

	// THEN: the old rate closes today and both new ones start tomorrow
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[PayRatesResponse](t, rec)
	assert.Equal(t, []string{"ENH/1"}, resp.Created)
	assert.Equal(t, []string{"STD/1"}, resp.Updated)
	assert.Empty(t, resp.Expired)
	require.Len(t, resp.PayRates, 3)

	// AND: today the old rate is still current
	get := decode[ActivityDTO](t, f.do(t, http.MethodGet, "/api/activities/A1", ""))
	require.Len(t, get.CurrentRates, 1)
	assert.True(t, get.CurrentRates[0].Rate.Equal(decimal.RequireFromString("3.20")))

	// WHEN: the same list is replayed
	rec = f.do(t, http.MethodPut, "/api/activities/A1/pay-rates", `{"payRates": [
		{"incentiveLevel": "STD", "payBand": "1", "rate": "4.3"},
		{"incentiveLevel": "ENH", "payBand": "1", "rate": "5.00"}
	]}`)

	// THEN: nothing changes
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = decode[PayRatesResponse](t, rec)
	assert.Empty(t, resp.Created)
	assert.Empty(t, resp.Updated)
	assert.Len(t, resp.PayRates, 3)
}

func TestUpdatePayRates_UnknownActivity(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPut, "/api/activities/nope/pay-rates", `{"payRates": []}`)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateScheduleRules(t *testing.T) {
	f := newAPIFixture(t)
	f.createKitchen(t)
	original := decode[ActivityDTO](t, f.do(t, http.MethodGet, "/api/activities/A1", "")).ScheduleRules[0].ID

	// WHEN: the morning rule is kept and an afternoon rule is added
	rec := f.do(t, http.MethodPut, "/api/activities/A1/schedule-rules", `{"scheduleRules": [
		{"startTime": "09:00", "endTime": "12:00", "days": ["fri", "mon", "wed"]},
		{"startTime": "13:30", "endTime": "16:00", "days": ["TUE"]}
	]}`)

	// THEN: the existing rule keeps its id
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[ScheduleRulesResponse](t, rec)
	assert.Equal(t, []string{original}, resp.Kept)
	assert.Empty(t, resp.Removed)
	assert.Equal(t, 1, resp.Created)
	require.Len(t, resp.ScheduleRules, 2)

	slots := map[string]string{}
	for _, r := range resp.ScheduleRules {
		assert.NotEmpty(t, r.ID)
		slots[r.StartTime] = r.Slot
	}
	assert.Equal(t, map[string]string{"09:00": "AM", "13:30": "PM"}, slots)

	// WHEN: everything is withdrawn
	rec = f.do(t, http.MethodPut, "/api/activities/A1/schedule-rules", `{"scheduleRules": []}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = decode[ScheduleRulesResponse](t, rec)
	assert.Len(t, resp.Removed, 2)
	assert.Empty(t, resp.ScheduleRules)
}

// =============================================================================
// ALLOCATIONS
// =============================================================================

func TestAllocationLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	f.createKitchen(t)
	f.bookAt(t, "B1", "MDI")
	path := "/api/activities/A1/allocations/B1"

	// WHEN: the booking is allocated
	rec := f.do(t, http.MethodPut, path, `{"startDate": "2025-06-01", "payBand": "1"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[AllocationResponse](t, rec)
	assert.True(t, created.Changes.Created)
	assert.Equal(t, "ALLOC", created.Allocation.Status)
	assert.Equal(t, "1", created.Allocation.CurrentPayBand)

	// WHEN: the same state is pushed again
	rec = f.do(t, http.MethodPut, path, `{"startDate": "2025-06-01", "payBand": "1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, ChangesDTO{}, decode[AllocationResponse](t, rec).Changes)

	// WHEN: the pay band changes
	rec = f.do(t, http.MethodPut, path+"/pay-band", `{"payBand": "2"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	banded := decode[AllocationDTO](t, rec)
	assert.Equal(t, "1", banded.CurrentPayBand, "new band starts tomorrow")
	require.Len(t, banded.PayBands, 2)
	assert.Equal(t, "2025-06-16", banded.PayBands[1].StartDate)

	// WHEN: suspended then resumed
	rec = f.do(t, http.MethodPost, path+"/suspend", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[AllocationDTO](t, rec).Suspended)

	rec = f.do(t, http.MethodPost, path+"/resume", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.False(t, decode[AllocationDTO](t, rec).Suspended)

	// WHEN: ended
	rec = f.do(t, http.MethodPost, path+"/end", `{"endDate": "2025-06-30", "reason": "RELEASED"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ended := decode[AllocationDTO](t, rec)
	assert.Equal(t, "END", ended.Status)
	require.NotNil(t, ended.EndDate)
	assert.Equal(t, "2025-06-30", *ended.EndDate)
	assert.Equal(t, "RELEASED", ended.EndReason)

	// THEN: GET returns the ended allocation
	got := decode[AllocationDTO](t, f.do(t, http.MethodGet, path, ""))
	assert.Equal(t, ended.ID, got.ID)
	assert.Equal(t, "END", got.Status)
}

func TestAllocation_Errors(t *testing.T) {
	f := newAPIFixture(t)
	f.createKitchen(t)
	f.bookAt(t, "B1", "MDI")
	f.bookAt(t, "B2", "LEI")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"unknown activity", http.MethodPut, "/api/activities/nope/allocations/B1", `{"startDate": "2025-06-01"}`, http.StatusNotFound},
		{"unknown booking", http.MethodPut, "/api/activities/A1/allocations/B9", `{"startDate": "2025-06-01"}`, http.StatusNotFound},
		{"prison mismatch", http.MethodPut, "/api/activities/A1/allocations/B2", `{"startDate": "2025-06-01"}`, http.StatusBadRequest},
		{"missing start date", http.MethodPut, "/api/activities/A1/allocations/B1", `{}`, http.StatusBadRequest},
		{"unknown pay band", http.MethodPut, "/api/activities/A1/allocations/B1", `{"startDate": "2025-06-01", "payBand": "9"}`, http.StatusNotFound},
		{"no allocation to get", http.MethodGet, "/api/activities/A1/allocations/B1", "", http.StatusNotFound},
		{"no allocation to suspend", http.MethodPost, "/api/activities/A1/allocations/B1/suspend", "", http.StatusNotFound},
		{"bad end date", http.MethodPost, "/api/activities/A1/allocations/B1/end", `{"endDate": "soon"}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestAllocation_DuplicateRowsConflict(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t)
	f.createKitchen(t)
	f.bookAt(t, "B1", "MDI")

	// GIVEN: two rows exist for the same pair
	for _, id := range []string{"x1", "x2"} {
		require.NoError(t, f.store.SaveAllocation(ctx, activities.Allocation{
			ID:         id,
			ActivityID: "A1",
			BookingID:  "B1",
			Status:     activities.StatusAllocated,
			StartDate:  mustDate(t, "2025-06-01"),
		}))
	}

	rec := f.do(t, http.MethodPut, "/api/activities/A1/allocations/B1", `{"startDate": "2025-06-01"}`)

	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

// =============================================================================
// BOOKINGS
// =============================================================================

func TestSaveBooking(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPut, "/api/bookings/B1", `{"prison": "MDI"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, BookingDTO{ID: "B1", Prison: "MDI"}, decode[BookingDTO](t, rec))

	rec = f.do(t, http.MethodPut, "/api/bookings/B1", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
