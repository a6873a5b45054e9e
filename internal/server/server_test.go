package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dmorgan81/gridbot/internal/feed"
	"github.com/dmorgan81/gridbot/internal/image"
	"github.com/dmorgan81/gridbot/internal/log"
	"github.com/dmorgan81/gridbot/internal/page"
	"github.com/dmorgan81/gridbot/internal/schedule"
	"github.com/dmorgan81/gridbot/internal/seed"
	"github.com/dmorgan81/gridbot/internal/sequencer"
	"github.com/dmorgan81/gridbot/internal/store"
	"github.com/gorilla/websocket"
)

type mockGenerator struct{}

func (mockGenerator) Generate(context.Context, image.Params) ([]byte, error) {
	return []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F'}, nil
}

type mockLister struct{}

func (mockLister) Models(context.Context) ([]string, error) {
	return []string{"flux", "turbo"}, nil
}

type fixture struct {
	seq *sequencer.Sequencer
	srv *httptest.Server
	dir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	seq := sequencer.New(context.Background(), mockGenerator{}, mockLister{}, seed.New(1), schedule.New(), sequencer.Options{
		Stagger:  time.Millisecond,
		Cooldown: time.Minute,
	})
	t.Cleanup(func() { _ = seq.Shutdown() })
	if err := seq.LoadModels(context.Background()); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	saver := store.New(&store.FileUploader{Dir: dir}, store.NopInvalidator{})
	s := New(log.New(io.Discard, slog.LevelInfo), seq, &page.Templator{}, feed.New("http://gridbot.test"), saver)

	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &fixture{seq: seq, srv: srv, dir: dir}
}

func (f *fixture) client() *http.Client {
	c := f.srv.Client()
	c.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	return c
}

func (f *fixture) post(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := f.client().PostForm(f.srv.URL+path, form)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := f.client().Get(f.srv.URL + path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *fixture) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.seq.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
}

func TestGenerate(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/generate", url.Values{"prompt": {"  "}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank prompt status = %d, want 400", resp.StatusCode)
	}

	resp = f.post(t, "/generate", url.Values{
		"prompt":    {"a red fox"},
		"model":     {"turbo"},
		"seed_mode": {"custom"},
		"seed-0":    {"123"},
	})
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("generate status = %d, want 303", resp.StatusCode)
	}
	f.settle(t)

	snap := f.seq.Snapshot()
	if snap.Model != "turbo" || snap.Slots[0].Seed != 123 {
		t.Errorf("model = %q seed0 = %d", snap.Model, snap.Slots[0].Seed)
	}

	resp = f.post(t, "/generate", url.Values{"prompt": {"again"}})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second generate status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
}

func TestGenerateUnknownModel(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/generate", url.Values{"prompt": {"a red fox"}, "model": {"nope"}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestStateAndImages(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/images/0")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("image before batch status = %d, want 404", resp.StatusCode)
	}

	if err := f.seq.StartBatch("a red fox", "flux", sequencer.SeedRandom); err != nil {
		t.Fatal(err)
	}
	f.settle(t)

	var snap sequencer.Snapshot
	resp = f.get(t, "/state")
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("state is not json: %v", err)
	}
	if snap.Prompt != "a red fox" || snap.Loaded() != sequencer.SlotCount {
		t.Errorf("state prompt = %q loaded = %d", snap.Prompt, snap.Loaded())
	}

	resp = f.get(t, "/images/2")
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/jpeg" {
		t.Errorf("image status = %d content-type = %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	seed2 := f.seq.Snapshot().Slots[2].Seed
	resp = f.get(t, "/images/2/download")
	want := `attachment; filename="` + sequencer.FileName(2, seed2) + `"`
	if got := resp.Header.Get("Content-Disposition"); got != want {
		t.Errorf("Content-Disposition = %q, want %q", got, want)
	}

	resp = f.get(t, "/images/9")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("out of range image status = %d, want 400", resp.StatusCode)
	}

	resp = f.post(t, "/images/2/save", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("save status = %d, want 201", resp.StatusCode)
	}

	resp = f.get(t, "/feed.rss")
	body, _ := io.ReadAll(resp.Body)
	if n := strings.Count(string(body), "<item>"); n != sequencer.SlotCount {
		t.Errorf("feed items = %d, want %d", n, sequencer.SlotCount)
	}
}

func TestSeedModelReset(t *testing.T) {
	f := newFixture(t)

	resp := f.post(t, "/seeds/4", url.Values{"value": {"4242"}})
	var out map[string]int
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["seed"] != 4242 || out["index"] != 4 {
		t.Errorf("seed response = %v", out)
	}

	if resp := f.post(t, "/seeds/12", url.Values{"value": {"1"}}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("out of range seed status = %d, want 400", resp.StatusCode)
	}

	if resp := f.post(t, "/model", url.Values{"model": {"turbo"}}); resp.StatusCode != http.StatusNoContent {
		t.Errorf("model status = %d, want 204", resp.StatusCode)
	}
	if resp := f.post(t, "/model", url.Values{"model": {"nope"}}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown model status = %d, want 400", resp.StatusCode)
	}

	if resp := f.post(t, "/reset", nil); resp.StatusCode != http.StatusSeeOther {
		t.Errorf("reset status = %d, want 303", resp.StatusCode)
	}

	resp = f.get(t, "/")
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `action="/generate"`) {
		t.Error("home page should show the prompt form after reset")
	}
}

func TestEvents(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// subscription happens after the upgrade, give the handler a moment
	time.Sleep(20 * time.Millisecond)
	if err := f.seq.StartBatch("a red fox", "flux", sequencer.SeedRandom); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	slots := 0
	for {
		var e sequencer.Event
		if err := conn.ReadJSON(&e); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if e.Type == sequencer.EventSlot {
			slots++
		}
		if e.Type == sequencer.EventSettled {
			break
		}
	}
	if slots != sequencer.SlotCount {
		t.Errorf("received %d slot events, want %d", slots, sequencer.SlotCount)
	}
}
