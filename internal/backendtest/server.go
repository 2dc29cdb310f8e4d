// Package backendtest provides a scriptable download backend for tests.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Frame is one server-sent event.
type Frame struct {
	Event string
	Data  string
}

// Attempt scripts a single progress connection.
type Attempt struct {
	// Status, when non-zero and not 200, is returned instead of a stream.
	Status int
	Frames []Frame
	// Hold keeps the connection open after Frames until the client leaves,
	// Release is called or the server closes.
	Hold bool
}

// Calls counts requests per endpoint.
type Calls struct {
	Login    atomic.Int32
	Refresh  atomic.Int32
	Download atomic.Int32
	Progress atomic.Int32
	Cancel   atomic.Int32
	Artifact atomic.Int32
	Rejected atomic.Int32 // requests answered with 401
}

// Total returns the number of requests received on any endpoint.
func (c *Calls) Total() int32 {
	return c.Login.Load() + c.Refresh.Load() + c.Download.Load() +
		c.Progress.Load() + c.Cancel.Load() + c.Artifact.Load()
}

// Submission records a received download request.
type Submission struct {
	URL    string
	Format string
	Auth   string
}

// Server is an httptest backend that speaks the download protocol.
type Server struct {
	*httptest.Server

	Calls Calls

	accessSecret  []byte
	refreshSecret []byte

	mu             sync.Mutex
	nextJobID      string
	submitStatus   int
	submitMessage  string
	attempts       []Attempt
	cancelStatus   int
	cancelMessage  string
	artifact       []byte
	artifactStatus int
	artifactPace   time.Duration
	holdSubmit     bool
	cancelGate     chan struct{}
	force401       int
	rejectRefresh  bool
	submissions    []Submission
	release        chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewServer starts a backend with a default happy-path script.
func NewServer() *Server {
	s := &Server{
		accessSecret:  []byte("access-secret"),
		refreshSecret: []byte("refresh-secret"),
		artifact:      []byte("fake-media-bytes"),
		release:       make(chan struct{}),
		done:          make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.Post("/download", s.handleDownload)
	r.Get("/progress", s.handleProgress)
	r.Post("/cancel_download", s.handleCancel)
	r.Get("/ambil_download/{id}/{filename}", s.handleArtifact)

	s.Server = httptest.NewServer(r)
	return s
}

// Close releases held streams and shuts the server down.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.Server.Close()
}

// SetJobID fixes the id assigned to the next submissions.
func (s *Server) SetJobID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextJobID = id
}

// RejectSubmit makes /download answer with status and a {status} message.
// An empty message produces a body without the field.
func (s *Server) RejectSubmit(status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitStatus = status
	s.submitMessage = message
}

// Script sets the per-connection behaviour of /progress. Connection n uses
// attempts[n]; later connections reuse the last entry.
func (s *Server) Script(attempts ...Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = attempts
}

// Release unblocks every held stream.
func (s *Server) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.release)
	s.release = make(chan struct{})
}

// SetCancelResponse makes /cancel_download answer with status and message.
func (s *Server) SetCancelResponse(status int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelStatus = status
	s.cancelMessage = message
}

// SetArtifact sets the bytes and status served by /ambil_download.
func (s *Server) SetArtifact(status int, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifactStatus = status
	s.artifact = body
}

// PaceArtifact spreads the artifact body over two writes separated by d.
func (s *Server) PaceArtifact(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifactPace = d
}

// HoldSubmit makes /download wait for Release before answering.
func (s *Server) HoldSubmit(hold bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdSubmit = hold
}

// HoldCancel makes /cancel_download wait until the returned function is
// called.
func (s *Server) HoldCancel() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.cancelGate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.cancelGate == gate {
				s.cancelGate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// Force401 answers the next n authorized requests with 401.
func (s *Server) Force401(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.force401 = n
}

// RejectRefresh makes /auth/refresh answer 401.
func (s *Server) RejectRefresh(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectRefresh = reject
}

// Submissions returns the download requests received so far.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Submission(nil), s.submissions...)
}

// IssueTokens signs a token pair for subject, as login would.
func (s *Server) IssueTokens(subject string) (access, refresh string, err error) {
	now := time.Now()
	access, err = s.sign(subject, now.Add(2*time.Minute), s.accessSecret)
	if err != nil {
		return "", "", err
	}
	refresh, err = s.sign(subject, now.Add(7*24*time.Hour), s.refreshSecret)
	if err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (s *Server) sign(subject string, exp time.Time, secret []byte) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ID:        uuid.NewString(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func (s *Server) parse(token string, secret []byte) (string, error) {
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

// authorize validates the bearer token and applies Force401.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	s.mu.Lock()
	forced := s.force401 > 0
	if forced {
		s.force401--
	}
	s.mu.Unlock()

	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if forced || !ok {
		s.Calls.Rejected.Add(1)
		http.Error(w, "Missing or invalid Authorization header", http.StatusUnauthorized)
		return false
	}
	if _, err := s.parse(token, s.accessSecret); err != nil {
		s.Calls.Rejected.Add(1)
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.Calls.Login.Add(1)

	var body struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Username == "" {
		http.Error(w, "bad login payload", http.StatusUnprocessableEntity)
		return
	}

	access, refresh, err := s.IssueTokens(body.Username)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": access, "refresh_token": refresh})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.Calls.Refresh.Add(1)

	s.mu.Lock()
	reject := s.rejectRefresh
	s.mu.Unlock()

	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad refresh payload", http.StatusUnprocessableEntity)
		return
	}
	subject, err := s.parse(body.RefreshToken, s.refreshSecret)
	if reject || err != nil {
		http.Error(w, "Invalid or expire refresh_token", http.StatusUnauthorized)
		return
	}

	access, err := s.sign(subject, time.Now().Add(time.Hour), s.accessSecret)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": access})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.Calls.Download.Add(1)
	if !s.authorize(w, r) {
		return
	}

	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "URL tidak ditemukan."})
		return
	}

	s.mu.Lock()
	s.submissions = append(s.submissions, Submission{
		URL:    r.FormValue("url"),
		Format: r.FormValue("format"),
		Auth:   r.Header.Get("Authorization"),
	})
	status, message, id := s.submitStatus, s.submitMessage, s.nextJobID
	hold, release := s.holdSubmit, s.release
	s.mu.Unlock()

	if hold {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-release:
		}
	}

	if status != 0 && status != http.StatusOK {
		body := map[string]string{}
		if message != "" {
			body["status"] = message
		}
		writeJSON(w, status, body)
		return
	}

	if id == "" {
		id = uuid.NewString()
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "Unduhan dimulai"})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	n := int(s.Calls.Progress.Add(1)) - 1

	s.mu.Lock()
	var attempt Attempt
	if len(s.attempts) > 0 {
		attempt = s.attempts[min(n, len(s.attempts)-1)]
	}
	release := s.release
	s.mu.Unlock()

	if attempt.Status != 0 && attempt.Status != http.StatusOK {
		http.Error(w, "progress unavailable", attempt.Status)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for _, f := range attempt.Frames {
		writeFrame(w, f)
		flusher.Flush()
	}

	if attempt.Hold {
		select {
		case <-r.Context().Done():
		case <-release:
		case <-s.done:
		}
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.Calls.Cancel.Add(1)
	if !s.authorize(w, r) {
		return
	}

	s.mu.Lock()
	status, message, gate := s.cancelStatus, s.cancelMessage, s.cancelGate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-gate:
		}
	}

	if status == 0 {
		status = http.StatusOK
		message = "Unduhan dibatalkan"
	}
	writeJSON(w, status, map[string]string{"status": message})
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	s.Calls.Artifact.Add(1)
	if !s.authorize(w, r) {
		return
	}

	s.mu.Lock()
	status, body, pace := s.artifactStatus, s.artifact, s.artifactPace
	s.mu.Unlock()

	if status != 0 && status != http.StatusOK {
		http.Error(w, "file not found", status)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", chi.URLParam(r, "filename")))
	w.WriteHeader(http.StatusOK)
	if pace <= 0 {
		_, _ = w.Write(body)
		return
	}

	half := len(body) / 2
	_, _ = w.Write(body[:half])
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	select {
	case <-r.Context().Done():
		return
	case <-s.done:
		return
	case <-time.After(pace):
	}
	_, _ = w.Write(body[half:])
}

func writeFrame(w http.ResponseWriter, f Frame) {
	if f.Event != "" {
		fmt.Fprintf(w, "event: %s\n", f.Event)
	}
	for _, line := range strings.Split(f.Data, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprint(w, "\n")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
