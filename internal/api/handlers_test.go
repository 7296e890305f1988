package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/gin-gonic/gin"

	"pdftutor/internal/auth"
	"pdftutor/internal/models"
	"pdftutor/internal/service/chat"
	"pdftutor/internal/storage"
	"pdftutor/internal/worker"
)

type fakeStream struct {
	fragments []string
	err       error
	pos       int
}

func (f *fakeStream) Recv() (string, error) {
	if f.pos < len(f.fragments) {
		fragment := f.fragments[f.pos]
		f.pos++
		return fragment, nil
	}
	if f.err != nil {
		return "", f.err
	}
	return "", io.EOF
}

func (f *fakeStream) Close() {}

type fakeSource struct {
	fragments []string
}

func (f *fakeSource) Stream(ctx context.Context, messages []*schema.Message) (chat.TokenStream, error) {
	return &fakeStream{fragments: f.fragments}, nil
}

type fakeExtractor struct{}

func (fakeExtractor) ExtractText(ctx context.Context, data []byte, filename string) (string, error) {
	return "extracted text of " + filename, nil
}

type testEnv struct {
	router     *gin.Engine
	store      storage.Store
	dispatcher *worker.Dispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := storage.NewMemoryStore()
	chatService := chat.NewService(store, &fakeSource{fragments: []string{"Hel", "lo"}}, fakeExtractor{})
	authService := auth.NewService(db)
	dispatcher := worker.NewDispatcher(worker.Config{MinWorkers: 1, MaxWorkers: 2, QueueSize: 4})
	t.Cleanup(dispatcher.Stop)

	router := gin.New()
	NewHandler(chatService, authService, store, nil, dispatcher).RegisterRoutes(router)
	return &testEnv{router: router, store: store, dispatcher: dispatcher}
}

func (env *testEnv) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

// doChat posts a multipart chat request. An empty filename skips the file
// part; an empty chatID sends the literal "null" the frontend uses.
func (env *testEnv) doChat(t *testing.T, userID, chatID, question, filename string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	if userID != "" {
		form.WriteField("user_id", userID)
	}
	if chatID == "" {
		chatID = "null"
	}
	form.WriteField("chat_id", chatID)
	form.WriteField("question", question)
	if filename != "" {
		part, err := form.CreateFormFile("pdf_file", filename)
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		part.Write([]byte("%PDF-1.4 fake"))
	}
	form.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/chat", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

// parseSSE splits the body into its data frames and decodes each payload.
func parseSSE(t *testing.T, body string) []chat.Event {
	t.Helper()
	var events []chat.Event
	for _, frame := range strings.Split(body, "\n\n") {
		frame = strings.TrimSpace(frame)
		if frame == "" {
			continue
		}
		if !strings.HasPrefix(frame, "data: ") {
			t.Fatalf("frame without data prefix: %q", frame)
		}
		var ev chat.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(frame, "data: ")), &ev); err != nil {
			t.Fatalf("decode frame %q: %v", frame, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestRegisterAndLogin(t *testing.T) {
	env := newTestEnv(t)

	w := env.doJSON(t, http.MethodPost, "/api/register", gin.H{"username": "alice", "password": "secret"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
	if decodeJSON(t, w)["user_id"] == "" {
		t.Fatalf("register response missing user_id")
	}

	w = env.doJSON(t, http.MethodPost, "/api/register", gin.H{"username": "alice", "password": "other"})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate register: %d", w.Code)
	}

	w = env.doJSON(t, http.MethodPost, "/api/login", gin.H{"username": "alice", "password": "secret"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}

	w = env.doJSON(t, http.MethodPost, "/api/login", gin.H{"username": "alice", "password": "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: %d", w.Code)
	}
	w = env.doJSON(t, http.MethodPost, "/api/login", gin.H{"username": "nobody", "password": "x"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unknown user: %d", w.Code)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newTestEnv(t)
	w := env.doJSON(t, http.MethodPost, "/api/register", gin.H{"username": "", "password": ""})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty credentials: %d", w.Code)
	}
}

func TestChatNewSessionStreams(t *testing.T) {
	env := newTestEnv(t)

	w := env.doChat(t, "1", "", "What is this about?", "paper.pdf")
	if w.Code != http.StatusOK {
		t.Fatalf("chat: %d %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	events := parseSSE(t, w.Body.String())
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d: %#v", len(events), events)
	}
	if events[0].Text != "Hel" || events[1].Text != "lo" {
		t.Fatalf("unexpected text events: %#v", events[:2])
	}
	last := events[len(events)-1]
	if !last.EndOfStream || last.ChatID == "" {
		t.Fatalf("terminal event malformed: %#v", last)
	}

	session, err := env.store.Get(context.Background(), last.ChatID, 1)
	if err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
	if session.DocumentText != "extracted text of paper.pdf" {
		t.Fatalf("document text %q", session.DocumentText)
	}
	if len(session.History) != 1 || session.History[0].AssistantText != "Hello" {
		t.Fatalf("committed history wrong: %#v", session.History)
	}
}

func TestChatContinuesExistingSession(t *testing.T) {
	env := newTestEnv(t)
	first := env.doChat(t, "1", "", "first question", "doc.pdf")
	events := parseSSE(t, first.Body.String())
	chatID := events[len(events)-1].ChatID

	second := env.doChat(t, "1", chatID, "follow up", "")
	if second.Code != http.StatusOK {
		t.Fatalf("continue: %d %s", second.Code, second.Body.String())
	}
	events = parseSSE(t, second.Body.String())
	if last := events[len(events)-1]; last.ChatID != chatID {
		t.Fatalf("terminal chat_id %q, want %q", last.ChatID, chatID)
	}

	session, err := env.store.Get(context.Background(), chatID, 1)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if len(session.History) != 2 {
		t.Fatalf("expected 2 turns, got %d", len(session.History))
	}
}

func TestChatValidation(t *testing.T) {
	env := newTestEnv(t)

	if w := env.doChat(t, "", "", "hi", "doc.pdf"); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing user: %d", w.Code)
	}
	if w := env.doChat(t, "1", "", "   ", "doc.pdf"); w.Code != http.StatusBadRequest {
		t.Fatalf("blank question: %d", w.Code)
	}
	if w := env.doChat(t, "1", "", "hi", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("new chat without file: %d", w.Code)
	}
	if w := env.doChat(t, "1", "no-such-session", "hi", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown session: %d", w.Code)
	}
}

func TestChatBusyDispatcher(t *testing.T) {
	env := newTestEnv(t)

	// Replace the pool with a saturated one: the single worker and the
	// single queue slot are both held by blocking jobs.
	busy := worker.NewDispatcher(worker.Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})
	defer busy.Stop()
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	busy.Submit(func() { close(started); <-release })
	<-started
	if err := busy.Submit(func() { <-release }); err != nil {
		t.Fatalf("queue slot: %v", err)
	}

	router := gin.New()
	db, err := storage.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	chatService := chat.NewService(env.store, &fakeSource{}, fakeExtractor{})
	NewHandler(chatService, auth.NewService(db), env.store, nil, busy).RegisterRoutes(router)
	env.router = router

	w := env.doChat(t, "1", "", "hi", "doc.pdf")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d %s", w.Code, w.Body.String())
	}
}

func TestChatListGetDelete(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now().UTC()
	for i := 0; i < 2; i++ {
		session := &models.ChatSession{
			ID: fmt.Sprintf("s%d", i), OwnerID: 1, Title: fmt.Sprintf("t%d", i),
			DocumentText: "doc", CreatedAt: now, UpdatedAt: now.Add(time.Duration(i) * time.Minute),
		}
		if err := env.store.Create(context.Background(), session); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	w := env.doJSON(t, http.MethodGet, "/api/chats?user_id=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	var summaries []models.SessionSummary
	if err := json.Unmarshal(w.Body.Bytes(), &summaries); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(summaries) != 2 || summaries[0].ID != "s1" {
		t.Fatalf("unexpected listing: %#v", summaries)
	}

	w = env.doJSON(t, http.MethodGet, "/api/chats/s0?user_id=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d", w.Code)
	}
	w = env.doJSON(t, http.MethodGet, "/api/chats/s0?user_id=2", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("foreign get: %d", w.Code)
	}
	w = env.doJSON(t, http.MethodGet, "/api/chats", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("list without user_id: %d", w.Code)
	}

	w = env.doJSON(t, http.MethodDelete, "/api/chats/s0?user_id=1", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	w = env.doJSON(t, http.MethodDelete, "/api/chats/s0?user_id=1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("double delete: %d", w.Code)
	}

	w = env.doJSON(t, http.MethodDelete, "/api/chats?user_id=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete all: %d", w.Code)
	}
	if got := decodeJSON(t, w)["deleted"]; got != float64(1) {
		t.Fatalf("deleted count %v", got)
	}
}
