package shipments_api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BearBump/ShipTrack/internal/cache/rediscache"
	"github.com/BearBump/ShipTrack/internal/integrations/geocoder/fake"
	"github.com/BearBump/ShipTrack/internal/models"
	"github.com/BearBump/ShipTrack/internal/services/allocator"
	"github.com/BearBump/ShipTrack/internal/services/relay"
	"github.com/BearBump/ShipTrack/internal/services/shipments"
	"github.com/BearBump/ShipTrack/internal/storage/sqliteshipment"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *ShipmentsAPI) {
	t.Helper()
	st, err := sqliteshipment.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(st.Close)

	rl := relay.New(st, relay.NewHub(8), nil)
	svc := shipments.New(st, allocator.New(), fake.New(), rl, nil, 0)
	api := New(svc, rl)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv, api
}

func doJSON(t *testing.T, method, url string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func TestShipmentsAPI_UpsertLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	code, body := doJSON(t, http.MethodPost, srv.URL+"/shipments", map[string]any{
		"ref_code": "A1", "status": "Created ", "destination_address": "Av. Reforma 222",
	})
	require.Equal(t, http.StatusCreated, code, string(body))
	var created upsertResponse
	require.NoError(t, json.Unmarshal(body, &created))
	require.Equal(t, models.UpsertCreated, created.Result)
	require.Equal(t, 1, created.Shipment.TrackingSeq)
	require.Equal(t, "MC-000001", created.Shipment.TrackingNumber)
	require.Equal(t, "created", created.Shipment.Status)

	code, body = doJSON(t, http.MethodPost, srv.URL+"/shipments", map[string]any{
		"ref_code": "B2", "status": "created", "destination_address": "x", "tracking_seq": 1,
	})
	require.Equal(t, http.StatusConflict, code)
	require.Contains(t, string(body), "slot_in_use")

	code, _ = doJSON(t, http.MethodPost, srv.URL+"/shipments/A1/delivered", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = doJSON(t, http.MethodPost, srv.URL+"/shipments", map[string]any{
		"ref_code": "B2", "status": "created", "destination_address": "x", "tracking_seq": 1,
	})
	require.Equal(t, http.StatusOK, code, string(body))
	var reused upsertResponse
	require.NoError(t, json.Unmarshal(body, &reused))
	require.Equal(t, models.UpsertUpdated, reused.Result)
	require.Equal(t, 1, reused.Shipment.TrackingSeq)

	code, body = doJSON(t, http.MethodGet, srv.URL+"/shipments", nil)
	require.Equal(t, http.StatusOK, code)
	var list []*models.Shipment
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	require.Equal(t, "B2", list[0].RefCode)
}

func TestShipmentsAPI_UpsertValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := []struct {
		name string
		body any
		code string
	}{
		{"bad json", `{"ref_code":`, "invalid_body"},
		{"missing", map[string]any{"ref_code": "A1"}, "missing_fields"},
		{"range", map[string]any{"ref_code": "A1", "status": "s", "destination_address": "a", "tracking_seq": 10001}, "seq_out_of_range"},
		{"geocode", map[string]any{"ref_code": "A1", "status": "s", "destination_address": "nowhere"}, "geocode_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := doJSON(t, http.MethodPost, srv.URL+"/shipments", tc.body)
			require.Equal(t, http.StatusBadRequest, status)
			require.Contains(t, string(body), tc.code)
		})
	}
}

func TestShipmentsAPI_Track(t *testing.T) {
	srv, _ := newTestServer(t)

	code, _ := doJSON(t, http.MethodPost, srv.URL+"/shipments", map[string]any{
		"ref_code": "A1", "status": "in transit", "destination_address": "a",
	})
	require.Equal(t, http.StatusCreated, code)

	code, _ = doJSON(t, http.MethodPost, srv.URL+"/locations", map[string]any{"shipment_ref": "A1", "lat": 19.4, "lon": -99.1})
	require.Equal(t, http.StatusOK, code)
	code, _ = doJSON(t, http.MethodPost, srv.URL+"/locations", map[string]any{"shipment_ref": "A1", "lat": 19.5, "lon": -99.2})
	require.Equal(t, http.StatusOK, code)

	code, body := doJSON(t, http.MethodGet, srv.URL+"/track/A1", nil)
	require.Equal(t, http.StatusOK, code)
	var tr shipments.Tracking
	require.NoError(t, json.Unmarshal(body, &tr))
	require.Equal(t, "A1", tr.Shipment.RefCode)
	require.Len(t, tr.History, 2)
	require.InDelta(t, 19.5, tr.History[0].Lat, 1e-9)

	code, body = doJSON(t, http.MethodGet, srv.URL+"/track-seq/1?limit=1", nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &tr))
	require.Len(t, tr.History, 1)

	code, _ = doJSON(t, http.MethodGet, srv.URL+"/track/ZZ", nil)
	require.Equal(t, http.StatusNotFound, code)
	code, _ = doJSON(t, http.MethodGet, srv.URL+"/track-seq/0", nil)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = doJSON(t, http.MethodGet, srv.URL+"/track-seq/abc", nil)
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = doJSON(t, http.MethodGet, srv.URL+"/track/A1?limit=-3", nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = doJSON(t, http.MethodPost, srv.URL+"/shipments/A1/delivered", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = doJSON(t, http.MethodGet, srv.URL+"/track-seq/1", nil)
	require.Equal(t, http.StatusNotFound, code)

	code, body = doJSON(t, http.MethodGet, srv.URL+"/locations/A1", nil)
	require.Equal(t, http.StatusOK, code)
	var hist []*models.LocationPing
	require.NoError(t, json.Unmarshal(body, &hist))
	require.Len(t, hist, 2)
}

func TestShipmentsAPI_RecordLocationValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	code, body := doJSON(t, http.MethodPost, srv.URL+"/locations", map[string]any{"shipment_ref": "A1", "lat": 95, "lon": 0})
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, string(body), "invalid_location")

	code, body = doJSON(t, http.MethodPost, srv.URL+"/locations", map[string]any{"shipment_ref": "A1"})
	require.Equal(t, http.StatusBadRequest, code)
	require.Contains(t, string(body), "missing_fields")

	code, _ = doJSON(t, http.MethodPost, srv.URL+"/locations", "nope")
	require.Equal(t, http.StatusBadRequest, code)
}

func TestShipmentsAPI_RecordLocationRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	srv, api := newTestServer(t)
	limiter := rediscache.NewRateLimiter(mr.Addr())
	t.Cleanup(func() { _ = limiter.Close() })
	api.WithRateLimit(limiter, 1)

	ping := map[string]any{"shipment_ref": "A1", "lat": 1, "lon": 1}
	code, _ := doJSON(t, http.MethodPost, srv.URL+"/locations", ping)
	require.Equal(t, http.StatusOK, code)
	code, body := doJSON(t, http.MethodPost, srv.URL+"/locations", ping)
	require.Equal(t, http.StatusTooManyRequests, code)
	require.Contains(t, string(body), "rate_limited")

	code, _ = doJSON(t, http.MethodPost, srv.URL+"/locations", map[string]any{"shipment_ref": "B2", "lat": 1, "lon": 1})
	require.Equal(t, http.StatusOK, code)
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		models.ErrMissingFields:                    http.StatusBadRequest,
		models.ErrSeqOutOfRange:                    http.StatusBadRequest,
		models.ErrGeocodeFailed:                    http.StatusBadRequest,
		models.ErrNotFound:                         http.StatusNotFound,
		models.ErrSlotInUse:                        http.StatusConflict,
		models.ErrSeqExhausted:                     http.StatusConflict,
		models.ErrRefCodeTaken:                     http.StatusConflict,
		&models.StorageError{Err: errors.New("x")}: http.StatusInternalServerError,
		errors.New("unclassified"):                 http.StatusInternalServerError,
	}
	for err, want := range cases {
		got, _ := StatusFor(err)
		require.Equal(t, want, got, err.Error())
	}
}

func TestWriteDomainError_HidesStorageDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	writeDomainError(rec, &models.StorageError{Err: errors.New(`pq: relation "shipments" does not exist`)})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "relation")
	require.Contains(t, rec.Body.String(), "internal error")
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev map[string]json.RawMessage
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestShipmentsAPI_WebSocketJoinTrack(t *testing.T) {
	srv, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "join-track", "ref": "A1"}))
	ev := readEvent(t, conn)
	require.JSONEq(t, `"joined"`, string(ev["event"]))

	code, _ := doJSON(t, http.MethodPost, srv.URL+"/locations", map[string]any{"shipment_ref": "B2", "lat": 3, "lon": 3})
	require.Equal(t, http.StatusOK, code)
	code, _ = doJSON(t, http.MethodPost, srv.URL+"/locations", map[string]any{"shipment_ref": "A1", "lat": 1, "lon": 2})
	require.Equal(t, http.StatusOK, code)

	ev = readEvent(t, conn)
	require.JSONEq(t, `"loc:A1"`, string(ev["event"]))
	var p models.LocationPing
	require.NoError(t, json.Unmarshal(ev["data"], &p))
	require.Equal(t, "A1", p.ShipmentRef)
	require.InDelta(t, 1.0, p.Lat, 1e-9)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "leave-track", "ref": "A1"}))
	ev = readEvent(t, conn)
	require.JSONEq(t, `"left"`, string(ev["event"]))
}

func TestShipmentsAPI_WebSocketJoinOnConnect(t *testing.T) {
	srv, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws?ref=A1"), nil)
	require.NoError(t, err)
	defer conn.Close()

	ev := readEvent(t, conn)
	require.JSONEq(t, `"joined"`, string(ev["event"]))

	code, _ := doJSON(t, http.MethodPost, srv.URL+"/locations", map[string]any{"shipment_ref": "A1", "lat": 5, "lon": 6})
	require.Equal(t, http.StatusOK, code)

	ev = readEvent(t, conn)
	require.JSONEq(t, `"loc:A1"`, string(ev["event"]))
}

func TestShipmentsAPI_Healthz(t *testing.T) {
	srv, _ := newTestServer(t)
	code, body := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status":"ok"}`, string(body))
}
