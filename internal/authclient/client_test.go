package authclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// Fake auth server: credentials are generation counters, a request is
// authenticated when its access cookie carries the latest generation
type fakeAuth struct {
	mu           sync.Mutex
	gen          int
	refreshCalls int
	hits         map[string]int
	successes    []string
	lastBody     string

	refreshGate chan struct{}
	refreshFail bool
	dataStatus  int
}

func newFakeAuth(t *testing.T) (*fakeAuth, *httptest.Server) {
	t.Helper()

	f := &fakeAuth{hits: map[string]int{}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", f.login)
	mux.HandleFunc("POST /auth/logout", f.logout)
	mux.HandleFunc("POST /auth/refresh", f.refresh)
	mux.HandleFunc("/data", f.data)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return f, srv
}

func (f *fakeAuth) issue(w http.ResponseWriter) int {
	f.mu.Lock()
	f.gen++
	gen := f.gen
	f.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "access_token", Value: fmt.Sprintf("acc-%d", gen), Path: "/"})
	http.SetCookie(w, &http.Cookie{Name: "csrf_token", Value: fmt.Sprintf("csrf-%d", gen), Path: "/"})
	http.SetCookie(w, &http.Cookie{Name: "refresh_token", Value: fmt.Sprintf("ref-%d", gen), Path: "/auth"})

	return gen
}

func (f *fakeAuth) login(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&creds)

	if creds.Password == "wrong" {
		writeServiceError(w, http.StatusUnauthorized, "User not found")
		return
	}

	f.issue(w)
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"message": "User logged in successfully", "user": {"id": %q, "username": %q, "role": "member", "active": true}}`,
		uuid.NewString(), creds.Username)
}

func (f *fakeAuth) logout(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"message": "User logged out successfully"}`))
}

func (f *fakeAuth) refresh(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	f.refreshCalls++
	gate := f.refreshGate
	fail := f.refreshFail
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	if fail {
		writeServiceError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	f.issue(w)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"message": "Tokens refreshed successfully"}`))
}

func (f *fakeAuth) data(w http.ResponseWriter, r *http.Request) {
	marker := r.URL.Query().Get("i")

	f.mu.Lock()
	f.hits[marker]++
	gen := f.gen
	forced := f.dataStatus
	f.mu.Unlock()

	if forced != 0 {
		writeServiceError(w, forced, "Forced status")
		return
	}

	cookie, err := r.Cookie("access_token")
	if err != nil || gen == 0 || cookie.Value != fmt.Sprintf("acc-%d", gen) {
		writeServiceError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	if r.Method != http.MethodGet {
		if r.Header.Get("X-CSRF-Token") != fmt.Sprintf("csrf-%d", gen) {
			writeServiceError(w, http.StatusForbidden, "Forgery check failed")
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.lastBody = string(body)
		f.mu.Unlock()
	}

	f.mu.Lock()
	f.successes = append(f.successes, marker)
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok": true}`))
}

func writeServiceError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error": "service_error", "message": %q}`, msg)
}

func (f *fakeAuth) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func (f *fakeAuth) hitCount(marker string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[marker]
}

func (f *fakeAuth) totalHits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.hits {
		total += n
	}
	return total
}

func (f *fakeAuth) successOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.successes...)
}

func (f *fakeAuth) gate() chan struct{} {
	gate := make(chan struct{})
	f.mu.Lock()
	f.refreshGate = gate
	f.mu.Unlock()
	return gate
}

// Send a marked GET through the coordinator, goroutine safe
func doGet(c *Client, base string, marker string) (int, error) {
	req, err := http.NewRequest(http.MethodGet, base+"/data?i="+marker, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	return resp.StatusCode, nil
}

func doPost(c *Client, base string, marker string, body string) (int, error) {
	req, err := http.NewRequest(http.MethodPost, base+"/data?i="+marker, strings.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	return resp.StatusCode, nil
}

func newClient(t *testing.T, baseURL string, cfg Config) *Client {
	t.Helper()

	c, err := New(baseURL, cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)

	return c
}

func TestClient_SingleFlight(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAuth(t)
	gate := f.gate()
	c := newClient(t, srv.URL, Config{})

	const n = 8
	var (
		wg    sync.WaitGroup
		codes [n]int
		errs  [n]error
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i], errs[i] = doGet(c, srv.URL, strconv.Itoa(i))
		}()
	}

	// Every request fails once and queues while the exchange is held open
	require.Eventually(t, func() bool { return f.totalHits() >= n }, 2*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		require.Equal(t, http.StatusOK, codes[i], "request %d should succeed after replay", i)
	}
	require.Equal(t, 1, f.refreshCount(), "concurrent failures must share one refresh exchange")
	require.Equal(t, 2*n, f.totalHits(), "every request should be sent exactly twice")
}

func TestClient_ReplayKeepsFailureOrder(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAuth(t)
	gate := f.gate()
	c := newClient(t, srv.URL, Config{})

	var wg sync.WaitGroup
	for i := range 3 {
		marker := strconv.Itoa(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = doGet(c, srv.URL, marker)
		}()

		// Wait for the failure to be observed before the next one fires
		require.Eventually(t, func() bool { return f.hitCount(marker) == 1 }, 2*time.Second, 2*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
	}

	close(gate)
	wg.Wait()

	require.Equal(t, []string{"0", "1", "2"}, f.successOrder(), "replays must run in failure order")
}

func TestClient_AtMostOneRetry(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAuth(t)
	f.mu.Lock()
	f.dataStatus = http.StatusUnauthorized
	f.mu.Unlock()

	c := newClient(t, srv.URL, Config{})

	code, err := doGet(c, srv.URL, "r")
	require.NoError(t, err)

	require.Equal(t, http.StatusUnauthorized, code, "second failure is handed to the caller")
	require.Equal(t, 1, f.refreshCount())
	require.Equal(t, 2, f.hitCount("r"), "one original attempt plus one replay, never more")
}

func TestClient_RefreshFailureRejectsAll(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAuth(t)
	f.mu.Lock()
	f.refreshFail = true
	f.mu.Unlock()
	gate := f.gate()

	var expired atomic.Int32
	c := newClient(t, srv.URL, Config{OnAuthExpired: func() { expired.Add(1) }})

	const n = 5
	var (
		wg   sync.WaitGroup
		errs [n]error
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = doGet(c, srv.URL, strconv.Itoa(i))
		}()
	}

	require.Eventually(t, func() bool { return f.totalHits() >= n }, 2*time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	for i := range n {
		require.ErrorIs(t, errs[i], ErrAuthExpired, "caller %d should be rejected with the refresh failure", i)
	}
	require.Equal(t, 1, f.refreshCount())
	require.Equal(t, int32(1), expired.Load(), "the expiry side effect must fire exactly once")
	require.Equal(t, n, f.totalHits(), "no request is replayed after a failed exchange")
}

func TestClient_ForbiddenPassesThrough(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAuth(t)
	f.mu.Lock()
	f.dataStatus = http.StatusForbidden
	f.mu.Unlock()

	c := newClient(t, srv.URL, Config{})

	code, err := doGet(c, srv.URL, "f")
	require.NoError(t, err)

	require.Equal(t, http.StatusForbidden, code)
	require.Equal(t, 0, f.refreshCount(), "a forgery rejection must never trigger a refresh")
	require.Equal(t, 1, f.hitCount("f"))
}

func TestClient_BearerRequestsBypass(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAuth(t)
	c := newClient(t, srv.URL, Config{})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/data?i=b", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer ttk_sometoken")

	resp, err := c.Do(req)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, 0, f.refreshCount(), "api key requests have no refresh protocol")
}

func TestClient_AuthEndpointsNotIntercepted(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAuth(t)
	c := newClient(t, srv.URL, Config{})

	body := `{"username": "petya", "password": "wrong"}`
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/auth/login", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "a failed login surfaces as is")
	require.Equal(t, 0, f.refreshCount())
}

func TestClient_ReplayRebuildsBodyAndRotatedToken(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAuth(t)
	c := newClient(t, srv.URL, Config{})

	code, err := doPost(c, srv.URL, "p", `{"v": 1}`)
	require.NoError(t, err)

	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 1, f.refreshCount())
	require.Equal(t, 2, f.hitCount("p"))

	f.mu.Lock()
	lastBody := f.lastBody
	f.mu.Unlock()
	require.Equal(t, `{"v": 1}`, lastBody, "the replay must carry the original body")
}

func TestClient_UnreplayableBodyReturnsFirstFailure(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAuth(t)
	c := newClient(t, srv.URL, Config{})

	// A plain reader gives http.NewRequest no way to rebuild the body
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/data?i=u", io.MultiReader(strings.NewReader(`{"v": 1}`)))
	require.NoError(t, err)
	require.Nil(t, req.GetBody, "the request must not be rebuildable for this test")

	resp, err := c.Do(req)
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, 0, f.refreshCount(), "nothing to replay means nothing to refresh for")
	require.Equal(t, 1, f.hitCount("u"))
}

func TestClient_AbandonedCallerSkipsReplay(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAuth(t)
	gate := f.gate()
	c := newClient(t, srv.URL, Config{})

	ctx, cancel := context.WithCancel(t.Context())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/data?i=c", nil)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		_, err := c.Do(req)
		result <- err
	}()

	// Queued behind the held exchange, then abandoned
	require.Eventually(t, func() bool { return f.refreshCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-result, context.Canceled)

	close(gate)

	// The exchange settles fine, the abandoned request never repeats
	code, err := doGet(c, srv.URL, "sync")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code)
	require.Never(t, func() bool { return f.hitCount("c") > 1 }, 200*time.Millisecond, 20*time.Millisecond)
}

func TestClient_HungRefreshTimesOut(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAuth(t)
	gate := f.gate()
	t.Cleanup(func() { close(gate) })

	var expired atomic.Int32
	c := newClient(t, srv.URL, Config{
		RefreshTimeout: 50 * time.Millisecond,
		OnAuthExpired:  func() { expired.Add(1) },
	})

	_, err := doGet(c, srv.URL, "h")

	require.ErrorIs(t, err, ErrAuthExpired, "a hung exchange must not suspend callers forever")
	require.Equal(t, int32(1), expired.Load())
}

func TestClient_LoginSessionAndForgeryHeader(t *testing.T) {
	t.Parallel()

	f, srv := newFakeAuth(t)
	c := newClient(t, srv.URL, Config{})

	p, err := c.Login(t.Context(), "petya", "StrongEnoughPassword")
	require.NoError(t, err)
	require.Equal(t, "petya", p.Username)
	require.Equal(t, "member", p.Role)
	require.True(t, p.Active)

	// The session works right away, the anti-forgery header comes from
	// the jar without any caller involvement
	code, err := doPost(c, srv.URL, "after", `{}`)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, 0, f.refreshCount())
	require.Equal(t, 1, f.hitCount("after"))

	require.NoError(t, c.Logout(t.Context()))

	_, err = c.Login(t.Context(), "petya", "wrong")
	require.ErrorContains(t, err, "User not found")
}

func TestClient_ClosedClientRejectsRefreshPath(t *testing.T) {
	t.Parallel()

	_, srv := newFakeAuth(t)
	c := newClient(t, srv.URL, Config{})
	c.Close()

	_, err := doGet(c, srv.URL, "x")
	require.ErrorIs(t, err, ErrClosed)
}
