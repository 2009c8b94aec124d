package generichttp

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type table RouteTable

func (t table) RT() RouteTable { return RouteTable(t) }

func TestEndpointsSorted(t *testing.T) {
	rt := RouteTable{
		{Method: http.MethodPost, Path: "/stop"}: nil,
		{Method: http.MethodGet, Path: "/stop"}:  nil,
		{Method: http.MethodGet, Path: "/phase"}: nil,
	}
	assert.Equal(t, []string{"GET /phase", "GET /stop", "POST /stop"}, rt.Endpoints())
}

func TestMuxServesStemsAndEndpoints(t *testing.T) {
	h := table{
		{Method: http.MethodGet, Path: "/v"}: GetFloat(func() (float64, error) { return 3.9, nil }),
	}
	srv := httptest.NewServer(NewMux(map[string]HTTPer{"cycle/": h}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/cycle/v")
	require.NoError(t, err)
	defer resp.Body.Close()
	var f FloatT
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&f))
	require.NotNil(t, f.F64)
	assert.Equal(t, 3.9, *f.F64)

	resp2, err := http.Get(srv.URL + "/cycle/endpoints")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var list []string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&list))
	assert.Equal(t, []string{"GET /v"}, list)
}

func TestNaNIsNull(t *testing.T) {
	w := httptest.NewRecorder()
	GetFloat(func() (float64, error) { return math.NaN(), nil })(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.JSONEq(t, `{"f64":null}`, w.Body.String())
}

func TestGetFloatError(t *testing.T) {
	w := httptest.NewRecorder()
	GetFloat(func() (float64, error) { return 0, errors.New("no sample yet") })(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestSetBool(t *testing.T) {
	var got bool
	h := SetBool(func(b bool) error { got = b; return nil })
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"bool":true}`)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, got)

	w = httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`nope`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
