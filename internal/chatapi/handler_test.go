package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/Cameroon-Developer-Network/cam-chat/internal/presence"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/ratelimit"
	"github.com/Cameroon-Developer-Network/cam-chat/internal/store"
)

type fakeStore struct {
	mu        sync.Mutex
	members   map[[2]uuid.UUID]bool
	memberErr error
	createErr error
	created   []store.NewMessage
}

func (f *fakeStore) IsMember(_ context.Context, conv, user uuid.UUID) (bool, error) {
	if f.memberErr != nil {
		return false, f.memberErr
	}
	return f.members[[2]uuid.UUID{conv, user}], nil
}

func (f *fakeStore) CreateMessage(_ context.Context, m store.NewMessage) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return store.Message{}, f.createErr
	}
	f.created = append(f.created, m)
	typ := m.MessageType
	if typ == "" {
		typ = store.MessageTypeText
	}
	return store.Message{
		ID:          uuid.New(),
		ChatID:      m.ChatID,
		Sender:      store.Sender{ID: m.SenderID, Name: "Ana"},
		Content:     m.Content,
		MessageType: typ,
		ReplyTo:     m.ReplyTo,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

type published struct {
	conv    uuid.UUID
	payload []byte
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []published
	err   error
}

func (f *fakePublisher) Publish(_ context.Context, conv uuid.UUID, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, published{conv, payload})
	return f.err
}

type fakeCreds map[string]uuid.UUID

func (f fakeCreds) Validate(token string) (uuid.UUID, error) {
	id, ok := f[token]
	if !ok {
		return uuid.Nil, errors.New("bad token")
	}
	return id, nil
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, ratelimit.Rule) (bool, error) { return false, nil }

type fakePresence map[uuid.UUID]presence.Presence

func (f fakePresence) Get(_ context.Context, id uuid.UUID) (presence.Presence, error) {
	p, ok := f[id]
	if !ok {
		return presence.Presence{}, presence.ErrNotFound
	}
	return p, nil
}

func (f fakePresence) IsOnline(_ context.Context, id uuid.UUID) (bool, error) {
	p, ok := f[id]
	if !ok {
		return false, presence.ErrNotFound
	}
	return p.IsOnline, nil
}

func (f fakePresence) LastSeen(_ context.Context, id uuid.UUID) (time.Time, error) {
	p, ok := f[id]
	if !ok {
		return time.Time{}, presence.ErrNotFound
	}
	return p.LastSeen, nil
}

type fixture struct {
	user, chat uuid.UUID
	store      *fakeStore
	pub        *fakePublisher
	router     *mux.Router
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	f := &fixture{user: uuid.New(), chat: uuid.New(), pub: &fakePublisher{}}
	f.store = &fakeStore{members: map[[2]uuid.UUID]bool{{f.chat, f.user}: true}}

	opts := Options{
		Store:       f.store,
		Publisher:   f.pub,
		Credentials: fakeCreds{"good": f.user},
		Presence: fakePresence{f.user: {
			UserID: f.user, IsOnline: true, LastSeen: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		}},
		Rule: ratelimit.RuleMessage,
	}
	if mutate != nil {
		mutate(&opts)
	}

	f.router = mux.NewRouter()
	NewHandler(opts).Routes(f.router)
	return f
}

func (f *fixture) send(token, chat, body string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodPost, "/api/chats/"+chat+"/messages", strings.NewReader(body))
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	return w
}

func TestSendMessagePersistsThenPublishesOnce(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)

	w := f.send("good", f.chat.String(), `{"content":"hi"}`)
	req.Equal(http.StatusOK, w.Code)

	var resp struct {
		Success bool          `json:"success"`
		Data    store.Message `json:"data"`
	}
	req.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	req.True(resp.Success)
	req.Equal("hi", resp.Data.Content)
	req.Equal(store.MessageTypeText, resp.Data.MessageType)

	req.Len(f.store.created, 1)
	req.Len(f.pub.calls, 1)
	req.Equal(f.chat, f.pub.calls[0].conv)

	var payload store.Message
	req.NoError(json.Unmarshal(f.pub.calls[0].payload, &payload))
	req.Equal(resp.Data.ID, payload.ID)
	req.Equal(f.user, payload.Sender.ID)
}

func TestSendMessageRejections(t *testing.T) {
	long := strings.Repeat("é", MaxTextChars+1)
	cases := []struct {
		name   string
		token  string
		chat   func(*fixture) string
		body   string
		status int
	}{
		{"no_token", "", nil, `{"content":"hi"}`, http.StatusUnauthorized},
		{"bad_token", "nope", nil, `{"content":"hi"}`, http.StatusUnauthorized},
		{"bad_chat_id", "good", func(*fixture) string { return "xyz" }, `{"content":"hi"}`, http.StatusBadRequest},
		{"bad_json", "good", nil, `{`, http.StatusBadRequest},
		{"empty_content", "good", nil, `{"content":""}`, http.StatusBadRequest},
		{"blank_content", "good", nil, `{"content":"   "}`, http.StatusBadRequest},
		{"too_many_chars", "good", nil, `{"content":"` + long + `"}`, http.StatusBadRequest},
		{"bad_type", "good", nil, `{"content":"hi","message_type":"sticker"}`, http.StatusBadRequest},
		{"bad_reply_to", "good", nil, `{"content":"hi","reply_to":"nope"}`, http.StatusBadRequest},
		{"not_member", "good", func(*fixture) string { return uuid.NewString() }, `{"content":"hi"}`, http.StatusForbidden},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			chat := f.chat.String()
			if tc.chat != nil {
				chat = tc.chat(f)
			}
			w := f.send(tc.token, chat, tc.body)
			require.Equal(t, tc.status, w.Code, w.Body.String())
			require.Empty(t, f.store.created)
			require.Empty(t, f.pub.calls)
		})
	}
}

func TestSendMessagePersistFailureDoesNotPublish(t *testing.T) {
	f := newFixture(t, nil)
	f.store.createErr = errors.New("disk full")

	w := f.send("good", f.chat.String(), `{"content":"hi"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Empty(t, f.pub.calls)
}

func TestSendMessageMembershipErrorIs500(t *testing.T) {
	f := newFixture(t, nil)
	f.store.memberErr = errors.New("db down")

	w := f.send("good", f.chat.String(), `{"content":"hi"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Empty(t, f.pub.calls)
}

func TestSendMessagePublishFailureStillSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	f.pub.err = errors.New("nats down")

	w := f.send("good", f.chat.String(), `{"content":"hi"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.store.created, 1)
	require.Len(t, f.pub.calls, 1)
}

func TestSendMessageWithReply(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)
	parent := uuid.New()

	body, err := json.Marshal(map[string]any{"content": "re", "message_type": "image", "reply_to": parent})
	req.NoError(err)
	w := f.send("good", f.chat.String(), string(body))
	req.Equal(http.StatusOK, w.Code)
	req.Equal(parent, *f.store.created[0].ReplyTo)
	req.Equal("image", f.store.created[0].MessageType)
}

func TestSendMessageRateLimited(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Limiter = denyAll{} })

	w := f.send("good", f.chat.String(), `{"content":"hi"}`)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Empty(t, f.store.created)
}

func TestGetPresence(t *testing.T) {
	req := require.New(t)
	f := newFixture(t, nil)

	get := func(id string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodGet, "/api/users/"+id+"/presence", nil)
		r.Header.Set("Authorization", "Bearer good")
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, r)
		return w
	}

	w := get(f.user.String())
	req.Equal(http.StatusOK, w.Code)
	var resp struct {
		Data presence.Presence `json:"data"`
	}
	req.NoError(json.NewDecoder(bytes.NewReader(w.Body.Bytes())).Decode(&resp))
	req.True(resp.Data.IsOnline)
	req.Equal(2026, resp.Data.LastSeen.Year())

	req.Equal(http.StatusNotFound, get(uuid.NewString()).Code)
	req.Equal(http.StatusBadRequest, get("nope").Code)
}

// transitioningPresence flips the user offline after every read, so mixing
// separate field reads would produce a row that never existed.
type transitioningPresence struct {
	mu    sync.Mutex
	row   presence.Presence
	reads int
}

func (p *transitioningPresence) read() presence.Presence {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reads++
	row := p.row
	p.row = presence.Presence{UserID: row.UserID, IsOnline: !row.IsOnline, LastSeen: row.LastSeen.Add(time.Minute)}
	return row
}

func (p *transitioningPresence) Get(context.Context, uuid.UUID) (presence.Presence, error) {
	return p.read(), nil
}

func (p *transitioningPresence) IsOnline(context.Context, uuid.UUID) (bool, error) {
	return p.read().IsOnline, nil
}

func (p *transitioningPresence) LastSeen(context.Context, uuid.UUID) (time.Time, error) {
	return p.read().LastSeen, nil
}

func TestGetPresenceReadsOneSnapshot(t *testing.T) {
	req := require.New(t)
	seen := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	src := &transitioningPresence{row: presence.Presence{IsOnline: true, LastSeen: seen}}
	f := newFixture(t, func(o *Options) { o.Presence = src })

	r := httptest.NewRequest(http.MethodGet, "/api/users/"+f.user.String()+"/presence", nil)
	r.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, r)
	req.Equal(http.StatusOK, w.Code)

	var resp struct {
		Data presence.Presence `json:"data"`
	}
	req.NoError(json.Unmarshal(w.Body.Bytes(), &resp))
	req.True(resp.Data.IsOnline)
	req.True(resp.Data.LastSeen.Equal(seen))
	req.Equal(f.user, resp.Data.UserID)
	req.Equal(1, src.reads)
}

func TestValidateContent(t *testing.T) {
	require.NoError(t, ValidateContent("hello"))
	require.Error(t, ValidateContent(strings.Repeat("a", MaxMessageBytes+1)))
	require.Error(t, ValidateContent(string([]byte{0xff, 0xfe})))
}
