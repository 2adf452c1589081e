package record

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newTestHandler() (*Handler, *echo.Echo) {
	svc, _, _ := newTestService()
	return NewHandler(svc), echo.New()
}

func httpStatus(t *testing.T, err error) int {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	return he.Code
}

func TestHandler_CreateRecord(t *testing.T) {
	h, e := newTestHandler()

	body := `{"name":"Ana","type":"Particular","paid":true,"amount":5000}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/records", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.CreateRecord(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var got Record
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Name != "Ana" || !got.Paid || got.Amount != 5000 {
		t.Errorf("unexpected record %+v", got)
	}
}

func TestHandler_CreateRecord_Invalid(t *testing.T) {
	h, e := newTestHandler()

	body := `{"name":"Ana","type":"Particular","paid":false,"amount":100}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/records", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	err := h.CreateRecord(c)
	if code := httpStatus(t, err); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_GetRecord_NotFound(t *testing.T) {
	h, e := newTestHandler()

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("42")

	if code := httpStatus(t, h.GetRecord(c)); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
}

func TestHandler_GetRecord_BadID(t *testing.T) {
	h, e := newTestHandler()

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("abc")

	if code := httpStatus(t, h.GetRecord(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_MarkPaid(t *testing.T) {
	h, e := newTestHandler()
	created, _ := h.svc.Insert(context.Background(), NewRecord{Name: "Ana", Type: "Particular"})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":3000}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(created.ID, 10))

	if err := h.MarkPaid(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Record
	json.Unmarshal(rec.Body.Bytes(), &got)
	if !got.Paid || got.Amount != 3000 {
		t.Errorf("expected paid 3000, got %+v", got)
	}
}

func TestHandler_MarkPaid_ZeroAmount(t *testing.T) {
	h, e := newTestHandler()
	created, _ := h.svc.Insert(context.Background(), NewRecord{Name: "Ana", Type: "Particular"})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"amount":0}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(created.ID, 10))

	if code := httpStatus(t, h.MarkPaid(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestHandler_MarkUnpaid(t *testing.T) {
	h, e := newTestHandler()
	created, _ := h.svc.Insert(context.Background(), NewRecord{Name: "Ana", Type: "Particular", Paid: true, Amount: 10})

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(strconv.FormatInt(created.ID, 10))

	if err := h.MarkUnpaid(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got Record
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.Paid || got.Amount != 0 {
		t.Errorf("expected unpaid, got %+v", got)
	}
}

func TestHandler_ListRecords(t *testing.T) {
	h, e := newTestHandler()
	ctx := context.Background()
	h.svc.Insert(ctx, NewRecord{Name: "Ana", Type: "Particular", Paid: true, Amount: 10, Date: at(1, 9)})
	h.svc.Insert(ctx, NewRecord{Name: "Beto", Type: "Particular", Date: at(2, 9)})

	tests := []struct {
		query string
		want  int
	}{
		{"", 2},
		{"?unpaid=true", 1},
		{"?month=2024-03", 2},
		{"?month=2024-04", 0},
		{"?q=bet", 1},
		{"?limit=1", 1},
		{"?month=2024-03&limit=1&offset=1", 1},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/records"+tt.query, nil), rec)
			if err := h.ListRecords(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var resp struct {
				Data  []Record `json:"data"`
				Total int      `json:"total"`
			}
			json.Unmarshal(rec.Body.Bytes(), &resp)
			if len(resp.Data) != tt.want {
				t.Errorf("expected %d records, got %d", tt.want, len(resp.Data))
			}
		})
	}
}

func TestHandler_ListRecords_Paging(t *testing.T) {
	h, e := newTestHandler()
	ctx := context.Background()
	for day := 1; day <= 3; day++ {
		h.svc.Insert(ctx, NewRecord{Name: "P" + strconv.Itoa(day), Type: "Particular", Date: at(day, 9)})
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/records?unpaid=true&limit=2", nil), rec)
	if err := h.ListRecords(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data    []Record `json:"data"`
		Total   int      `json:"total"`
		HasMore bool     `json:"has_more"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 3 || len(resp.Data) != 2 || !resp.HasMore {
		t.Errorf("unexpected page total=%d len=%d more=%v", resp.Total, len(resp.Data), resp.HasMore)
	}
	if resp.Data[0].Name != "P3" {
		t.Errorf("expected newest first, got %s", resp.Data[0].Name)
	}
}

func TestHandler_ListRecords_PagingLatest(t *testing.T) {
	h, e := newTestHandler()
	ctx := context.Background()
	for day := 1; day <= 5; day++ {
		h.svc.Insert(ctx, NewRecord{Name: "P" + strconv.Itoa(day), Type: "Particular", Date: at(day, 9)})
	}

	tests := []struct {
		query   string
		first   string
		size    int
		hasMore bool
	}{
		{"?limit=2", "P5", 2, true},
		{"?limit=2&offset=2", "P3", 2, true},
		{"?limit=2&offset=4", "P1", 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/records"+tt.query, nil), rec)
			if err := h.ListRecords(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var resp struct {
				Data    []Record `json:"data"`
				Total   int      `json:"total"`
				HasMore bool     `json:"has_more"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatal(err)
			}
			if resp.Total != 5 || len(resp.Data) != tt.size || resp.HasMore != tt.hasMore {
				t.Fatalf("unexpected page total=%d len=%d more=%v", resp.Total, len(resp.Data), resp.HasMore)
			}
			if resp.Data[0].Name != tt.first {
				t.Errorf("expected %s first, got %s", tt.first, resp.Data[0].Name)
			}
		})
	}
}

func TestHandler_ListRecords_BadMonth(t *testing.T) {
	h, e := newTestHandler()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/records?month=marzo", nil), httptest.NewRecorder())

	if code := httpStatus(t, h.ListRecords(c)); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}
