package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/dmorgan81/gridbot/internal/feed"
	"github.com/dmorgan81/gridbot/internal/log"
	"github.com/dmorgan81/gridbot/internal/page"
	"github.com/dmorgan81/gridbot/internal/sequencer"
	"github.com/dmorgan81/gridbot/internal/store"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/samber/do"
)

const writeWait = 10 * time.Second

type Server struct {
	logger    *slog.Logger
	seq       *sequencer.Sequencer
	templator *page.Templator
	feed      *feed.Generator
	saver     *store.Saver
	upgrader  websocket.Upgrader
}

func NewServer(i *do.Injector) (*Server, error) {
	return New(
		do.MustInvoke[*slog.Logger](i),
		do.MustInvoke[*sequencer.Sequencer](i),
		do.MustInvoke[*page.Templator](i),
		do.MustInvoke[*feed.Generator](i),
		do.MustInvoke[*store.Saver](i),
	), nil
}

func New(logger *slog.Logger, seq *sequencer.Sequencer, templator *page.Templator, feed *feed.Generator, saver *store.Saver) *Server {
	return &Server{
		logger:    logger.WithGroup("server"),
		seq:       seq,
		templator: templator,
		feed:      feed,
		saver:     saver,
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.withLogger)

	r.HandleFunc("/", s.home).Methods(http.MethodGet)
	r.HandleFunc("/state", s.state).Methods(http.MethodGet)
	r.HandleFunc("/generate", s.generate).Methods(http.MethodPost)
	r.HandleFunc("/model", s.model).Methods(http.MethodPost)
	r.HandleFunc("/reset", s.reset).Methods(http.MethodPost)
	r.HandleFunc("/seeds/{index:[0-9]+}", s.seed).Methods(http.MethodPost)
	r.HandleFunc("/images/{index:[0-9]+}", s.image).Methods(http.MethodGet)
	r.HandleFunc("/images/{index:[0-9]+}/download", s.download).Methods(http.MethodGet)
	r.HandleFunc("/images/{index:[0-9]+}/save", s.save).Methods(http.MethodPost)
	r.HandleFunc("/feed.rss", s.rss).Methods(http.MethodGet)
	r.HandleFunc("/events", s.events).Methods(http.MethodGet)
	return r
}

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := s.logger.With("method", r.Method, "path", r.URL.Path)
		logger.Debug("handling request")
		next.ServeHTTP(w, r.WithContext(log.NewContext(r.Context(), logger)))
	})
}

func (s *Server) home(w http.ResponseWriter, r *http.Request) {
	html, err := s.templator.Template(r.Context(), page.Params{
		Snapshot: s.seq.Snapshot(),
		Notice:   r.URL.Query().Get("notice"),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(html)
}

func (s *Server) state(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.seq.Snapshot())
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	mode := sequencer.ParseSeedMode(r.PostFormValue("seed_mode"))
	if mode == sequencer.SeedCustom {
		for i := 0; i < sequencer.SlotCount; i++ {
			if values, ok := r.PostForm["seed-"+strconv.Itoa(i)]; ok && len(values) > 0 {
				if _, err := s.seq.SetSeed(i, values[0]); err != nil {
					s.fail(w, r, err)
					return
				}
			}
		}
	}

	model := s.seq.Snapshot().Model
	if values, ok := r.PostForm["model"]; ok && len(values) > 0 {
		model = values[0]
	}

	if err := s.seq.StartBatch(r.PostFormValue("prompt"), model, mode); err != nil {
		s.fail(w, r, err)
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) model(w http.ResponseWriter, r *http.Request) {
	if err := s.seq.SetModel(r.FormValue("model")); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	s.seq.ResetSession()
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) seed(w http.ResponseWriter, r *http.Request) {
	index, _ := strconv.Atoi(mux.Vars(r)["index"])
	v, err := s.seq.SetSeed(index, r.FormValue("value"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"index": index, "seed": v})
}

func (s *Server) image(w http.ResponseWriter, r *http.Request) {
	a, ok := s.artifact(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", a.ContentType)
	_, _ = w.Write(a.Data)
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	a, ok := s.artifact(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.Name))
	_, _ = w.Write(a.Data)
}

func (s *Server) save(w http.ResponseWriter, r *http.Request) {
	a, ok := s.artifact(w, r)
	if !ok {
		return
	}
	snap := s.seq.Snapshot()
	name, err := s.saver.Save(r.Context(), snap.Prompt, snap.Model, a)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"name": name})
}

func (s *Server) rss(w http.ResponseWriter, r *http.Request) {
	data, err := s.feed.Generate(r.Context(), s.seq.Snapshot())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml")
	_, _ = w.Write(data)
}

// events streams sequencer events as JSON messages until the client goes away.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	logger := log.FromContextOrDiscard(r.Context())
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.seq.Subscribe(32)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	logger.Info("event subscriber connected")
	for {
		select {
		case <-closed:
			logger.Info("event subscriber disconnected")
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				logger.Warn("writing event failed", "error", err)
				return
			}
		}
	}
}

func (s *Server) artifact(w http.ResponseWriter, r *http.Request) (sequencer.Artifact, bool) {
	index, _ := strconv.Atoi(mux.Vars(r)["index"])
	a, err := s.seq.Artifact(index)
	if err != nil {
		s.fail(w, r, err)
		return sequencer.Artifact{}, false
	}
	return a, true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *sequencer.ValidationError
		terr *sequencer.ThrottledError
	)
	switch {
	case errors.As(err, &verr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &terr):
		w.Header().Set("Retry-After", strconv.Itoa(terr.Seconds()))
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, sequencer.ErrNotLoaded):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		log.FromContextOrDiscard(r.Context()).Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
