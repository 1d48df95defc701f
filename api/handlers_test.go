package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"

	"kanban-api/domain"
	"kanban-api/storage"
)

const validToken = "secret-token"

type mockStore struct {
	fakeValidator

	boards  []domain.Board
	cards   []domain.Card
	summary domain.BoardSummary
	deleted int64
	err     error
	pingErr error

	lastBoardID int64
	lastCardID  int64
	lastCreate  domain.CreateCard
	lastUpdate  domain.UpdateCard
	storeCalls  int
}

func newMockStore() *mockStore {
	return &mockStore{fakeValidator: fakeValidator{tokens: map[string]domain.Token{
		validToken: {ID: validToken, ExpiredAt: time.Now().Add(time.Hour)},
	}}}
}

func (m *mockStore) Ping(context.Context) error { return m.pingErr }

func (m *mockStore) Boards(context.Context) ([]domain.Board, error) {
	m.storeCalls++
	return m.boards, m.err
}

func (m *mockStore) CreateBoard(_ context.Context, b domain.CreateBoard) (domain.Board, error) {
	m.storeCalls++
	if m.err != nil {
		return domain.Board{}, m.err
	}
	return domain.Board{ID: 7, Name: b.Name}, nil
}

func (m *mockStore) BoardSummary(_ context.Context, id int64) (domain.BoardSummary, error) {
	m.storeCalls++
	m.lastBoardID = id
	return m.summary, m.err
}

func (m *mockStore) DeleteBoard(_ context.Context, id int64) (int64, error) {
	m.storeCalls++
	m.lastBoardID = id
	return m.deleted, m.err
}

func (m *mockStore) Cards(_ context.Context, id int64) ([]domain.Card, error) {
	m.storeCalls++
	m.lastBoardID = id
	return m.cards, m.err
}

func (m *mockStore) CreateCard(_ context.Context, c domain.CreateCard) (domain.Card, error) {
	m.storeCalls++
	m.lastCreate = c
	if m.err != nil {
		return domain.Card{}, m.err
	}
	return domain.Card{ID: 3, BoardID: c.BoardID, Description: c.Description, Status: domain.StatusTodo}, nil
}

func (m *mockStore) UpdateCard(_ context.Context, id int64, c domain.UpdateCard) (domain.Card, error) {
	m.storeCalls++
	m.lastCardID = id
	m.lastUpdate = c
	if m.err != nil {
		return domain.Card{}, m.err
	}
	return domain.Card{ID: id, BoardID: 1, Description: c.Description, Status: c.Status}, nil
}

func (m *mockStore) DeleteCard(_ context.Context, id int64) (int64, error) {
	m.storeCalls++
	m.lastCardID = id
	return m.deleted, m.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func newTestServer(t *testing.T, store Storage, opts Options) *echo.Echo {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger, _ = test.NewNullLogger()
	}
	e := echo.New()
	Register(e, store, opts)
	return e
}

func doRequest(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+validToken)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestListBoards(t *testing.T) {
	store := newMockStore()
	store.boards = []domain.Board{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}}
	e := newTestServer(t, store, Options{})

	rec := doRequest(e, http.MethodGet, "/boards", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	var got []domain.Board
	if err := sonic.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[1].Name != "b" {
		t.Fatalf("unexpected boards: %+v", got)
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestListBoardsEmptyIsArray(t *testing.T) {
	store := newMockStore()
	store.boards = []domain.Board{}
	e := newTestServer(t, store, Options{})

	rec := doRequest(e, http.MethodGet, "/boards", "")
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("expected empty array, got %q", got)
	}
}

func TestRoutesRequireToken(t *testing.T) {
	routes := []struct{ method, path, body string }{
		{http.MethodGet, "/boards", ""},
		{http.MethodPost, "/boards", `{"name":"x"}`},
		{http.MethodGet, "/boards/1/summary", ""},
		{http.MethodDelete, "/boards/1", ""},
		{http.MethodGet, "/boards/1/cards", ""},
		{http.MethodPost, "/cards", `{"boardId":1,"description":"d"}`},
		{http.MethodPatch, "/cards/1", `{"description":"d","status":"done"}`},
		{http.MethodDelete, "/cards/1", ""},
	}
	for _, r := range routes {
		t.Run(r.method+" "+r.path, func(t *testing.T) {
			store := newMockStore()
			e := newTestServer(t, store, Options{})

			req := httptest.NewRequest(r.method, r.path, strings.NewReader(r.body))
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != http.StatusBadRequest || rec.Body.String() != "missing Authorization header" {
				t.Fatalf("got %d %q", rec.Code, rec.Body.String())
			}

			req = httptest.NewRequest(r.method, r.path, strings.NewReader(r.body))
			req.Header.Set(echo.HeaderAuthorization, "Bearer unknown")
			rec = httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized || rec.Body.String() != "invalid Bearer token" {
				t.Fatalf("got %d %q", rec.Code, rec.Body.String())
			}
			if store.storeCalls != 0 {
				t.Fatalf("handler ran without a valid token")
			}
		})
	}
}

func TestAuthRunsBeforePathParsing(t *testing.T) {
	e := newTestServer(t, newMockStore(), Options{})
	req := httptest.NewRequest(http.MethodDelete, "/boards/abc", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || rec.Body.String() != "missing Authorization header" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestInvalidPathID(t *testing.T) {
	store := newMockStore()
	e := newTestServer(t, store, Options{})
	for _, path := range []string{"/boards/abc/summary", "/boards/1.5", "/boards/x/cards"} {
		method := http.MethodGet
		if path == "/boards/1.5" {
			method = http.MethodDelete
		}
		rec := doRequest(e, method, path, "")
		if rec.Code != http.StatusBadRequest || rec.Body.String() != "invalid id" {
			t.Fatalf("%s: got %d %q", path, rec.Code, rec.Body.String())
		}
	}
	rec := doRequest(e, http.MethodPatch, "/cards/nope", `{"description":"d","status":"done"}`)
	if rec.Code != http.StatusBadRequest || rec.Body.String() != "invalid id" {
		t.Fatalf("patch: got %d %q", rec.Code, rec.Body.String())
	}
	if store.storeCalls != 0 {
		t.Fatalf("store called with invalid id")
	}
}

func TestInvalidBodies(t *testing.T) {
	tests := map[string]struct {
		method, path, body string
	}{
		"board malformed":     {http.MethodPost, "/boards", `{"name":`},
		"board missing name":  {http.MethodPost, "/boards", `{}`},
		"board null name":     {http.MethodPost, "/boards", `{"name":null}`},
		"board wrong type":    {http.MethodPost, "/boards", `{"name":5}`},
		"card missing board":  {http.MethodPost, "/cards", `{"description":"d"}`},
		"card string board":   {http.MethodPost, "/cards", `{"boardId":"1","description":"d"}`},
		"update bad status":   {http.MethodPatch, "/cards/1", `{"description":"d","status":"blocked"}`},
		"update upper status": {http.MethodPatch, "/cards/1", `{"description":"d","status":"Done"}`},
		"update no status":    {http.MethodPatch, "/cards/1", `{"description":"d"}`},
		"empty body":          {http.MethodPost, "/boards", ""},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			store := newMockStore()
			e := newTestServer(t, store, Options{})
			rec := doRequest(e, tc.method, tc.path, tc.body)
			if rec.Code != http.StatusBadRequest || rec.Body.String() != "invalid body" {
				t.Fatalf("got %d %q", rec.Code, rec.Body.String())
			}
			if store.storeCalls != 0 {
				t.Fatalf("store called with invalid body")
			}
		})
	}
}

func TestCreateBoardAllowsEmptyName(t *testing.T) {
	pub := &recordingPublisher{}
	e := newTestServer(t, newMockStore(), Options{Publisher: pub})

	rec := doRequest(e, http.MethodPost, "/boards", `{"name":"","extra":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	var got domain.Board
	if err := sonic.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != 7 || got.Name != "" {
		t.Fatalf("unexpected board: %+v", got)
	}
	events := pub.Events()
	if len(events) != 1 || events[0].Type != EventCreated || events[0].Entity != EntityBoard || events[0].ID != 7 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestCreateAndUpdateCard(t *testing.T) {
	store := newMockStore()
	pub := &recordingPublisher{}
	e := newTestServer(t, store, Options{Publisher: pub})

	rec := doRequest(e, http.MethodPost, "/cards", `{"boardId":1,"description":"write"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	if store.lastCreate != (domain.CreateCard{BoardID: 1, Description: "write"}) {
		t.Fatalf("unexpected create input: %+v", store.lastCreate)
	}
	if !strings.Contains(rec.Body.String(), `"status":"todo"`) || !strings.Contains(rec.Body.String(), `"boardId":1`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	rec = doRequest(e, http.MethodPatch, "/cards/3", `{"description":"done","status":"doing"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	if store.lastCardID != 3 || store.lastUpdate != (domain.UpdateCard{Description: "done", Status: domain.StatusDoing}) {
		t.Fatalf("unexpected update: id=%d %+v", store.lastCardID, store.lastUpdate)
	}

	events := pub.Events()
	if len(events) != 2 || events[1].Type != EventUpdated || events[1].Entity != EntityCard {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestBoardSummaryHandler(t *testing.T) {
	store := newMockStore()
	store.summary = domain.BoardSummary{Todo: 2, Doing: 1}
	e := newTestServer(t, store, Options{})

	rec := doRequest(e, http.MethodGet, "/boards/9/summary", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"todo":2,"doing":1,"done":0}` {
		t.Fatalf("unexpected body: %s", got)
	}
	if store.lastBoardID != 9 {
		t.Fatalf("unexpected board id %d", store.lastBoardID)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	for _, path := range []string{"/boards/5", "/cards/5"} {
		store := newMockStore()
		pub := &recordingPublisher{}
		e := newTestServer(t, store, Options{Publisher: pub})

		rec := doRequest(e, http.MethodDelete, path, "")
		if rec.Code != http.StatusOK || rec.Body.Len() != 0 {
			t.Fatalf("%s: got %d %q", path, rec.Code, rec.Body.String())
		}
		if len(pub.Events()) != 0 {
			t.Fatalf("%s: published event for a no-op delete", path)
		}

		store.deleted = 1
		rec = doRequest(e, http.MethodDelete, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: got %d", path, rec.Code)
		}
		if events := pub.Events(); len(events) != 1 || events[0].Type != EventDeleted || events[0].ID != 5 {
			t.Fatalf("%s: unexpected events %+v", path, events)
		}
	}
}

func TestStorageFailureIsOpaque(t *testing.T) {
	store := newMockStore()
	store.err = errors.New(`pq: insert or update on table "cards" violates foreign key constraint`)
	pub := &recordingPublisher{}
	e := newTestServer(t, store, Options{Publisher: pub})

	rec := doRequest(e, http.MethodPost, "/cards", `{"boardId":99,"description":"x"}`)
	if rec.Code != http.StatusInternalServerError || rec.Body.String() != "internal error" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}

	store.err = storage.ErrNotFound
	rec = doRequest(e, http.MethodPatch, "/cards/99", `{"description":"x","status":"todo"}`)
	if rec.Code != http.StatusInternalServerError || rec.Body.String() != "internal error" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if len(pub.Events()) != 0 {
		t.Fatalf("published event for a failed write")
	}
}

func TestPublishFailureDoesNotFailRequest(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("redis down")}
	e := newTestServer(t, newMockStore(), Options{Publisher: pub})

	rec := doRequest(e, http.MethodPost, "/boards", `{"name":"x"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	store := newMockStore()
	e := newTestServer(t, store, Options{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	store.pingErr = errors.New("down")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestPrefix(t *testing.T) {
	e := newTestServer(t, newMockStore(), Options{Prefix: "/api"})

	if rec := doRequest(e, http.MethodGet, "/api/boards", ""); rec.Code != http.StatusOK {
		t.Fatalf("prefixed route: %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodGet, "/boards", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unprefixed route: %d", rec.Code)
	}
}

func TestGzipBody(t *testing.T) {
	store := newMockStore()
	e := newTestServer(t, store, Options{})

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, _ = zw.Write([]byte(`{"boardId":4,"description":"zipped"}`))
	_ = zw.Close()

	req := httptest.NewRequest(http.MethodPost, "/cards", &buf)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+validToken)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d %s", rec.Code, rec.Body.String())
	}
	if store.lastCreate.Description != "zipped" {
		t.Fatalf("unexpected create input: %+v", store.lastCreate)
	}

	req = httptest.NewRequest(http.MethodPost, "/cards", strings.NewReader("not gzip"))
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+validToken)
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || rec.Body.String() != "invalid gzip body" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestCorruptGzipBodyChecksAuthFirst(t *testing.T) {
	store := newMockStore()
	e := newTestServer(t, store, Options{})

	req := httptest.NewRequest(http.MethodPost, "/cards", strings.NewReader("not gzip"))
	req.Header.Set(echo.HeaderContentEncoding, "gzip")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest || rec.Body.String() != "missing Authorization header" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if store.lastCreate.Description != "" {
		t.Fatalf("store must not be reached: %+v", store.lastCreate)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	e := newTestServer(t, newMockStore(), Options{})
	body := `{"name":"` + strings.Repeat("x", maxBodySize) + `"}`
	rec := doRequest(e, http.MethodPost, "/boards", body)
	if rec.Code != http.StatusBadRequest || rec.Body.String() != "invalid body" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHasGzipEncoding(t *testing.T) {
	cases := map[string]bool{
		"":              false,
		"gzip":          true,
		"GZIP":          true,
		"br, gzip":      true,
		"deflate":       false,
		"identity,gzip": true,
	}
	for header, want := range cases {
		if got := hasGzipEncoding(header); got != want {
			t.Fatalf("hasGzipEncoding(%q) = %v, want %v", header, got, want)
		}
	}
}

func newAuthedRequest(method, path, token string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	return req
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
