package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jnb666/celebattr/nnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot/vg"
)

var _ nnet.Monitor = (*Progress)(nil)

func testConfig() nnet.Config {
	conf := nnet.DefaultConfig()
	conf.Experiment = "webtest"
	return conf.AddLayers(nnet.Linear{Nout: 2}, nnet.LogRegression{})
}

func get(t *testing.T, h http.Handler, url string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", url, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestPlotSize(t *testing.T) {
	w, h := plotSize(960, 480)
	assert.InDelta(t, float64(10*vg.Inch), float64(w), 1e-9)
	assert.InDelta(t, float64(5*vg.Inch), float64(h), 1e-9)

	prog := NewProgress("webtest", 1)
	prog.OnStep(1, 100, 200, 0.7)
	prog.OnStep(1, 200, 200, 0.6)
	page := &TrainPage{prog: prog}
	assert.Contains(t, string(page.LossPlot(480, 320)), "<svg")
}

func TestPages(t *testing.T) {
	prog := NewProgress("webtest", 2)
	r, err := NewRouter(prog, testConfig(), nil)
	require.NoError(t, err)

	w := get(t, r, "/")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/train/stats", w.Header().Get("Location"))

	prog.OnStep(1, 100, 300, 0.69)
	prog.OnStep(1, 200, 300, 0.55)

	w = get(t, r, "/stats")
	require.Equal(t, http.StatusOK, w.Code)
	var s Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&s))
	assert.Equal(t, "webtest", s.Experiment)
	assert.Equal(t, 1, s.Epoch)
	assert.Equal(t, 2, s.MaxEpoch)
	assert.Equal(t, 200, s.Step)
	assert.Equal(t, 300, s.Steps)
	assert.Equal(t, 0.55, s.Loss)
	assert.False(t, s.Done)

	w = get(t, r, "/train/stats")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "<svg")
	assert.Contains(t, body, `webtest: epoch <span id="epoch">1</span> of 2`)
	assert.Contains(t, body, "0.5500")

	w = get(t, r, "/train/frame")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<svg")

	w = get(t, r, "/config")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "linear {Nout:2}")
	assert.Contains(t, w.Body.String(), "Attractive")

	w = get(t, r, "/nosuchpage")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProgress(t *testing.T) {
	prog := NewProgress("exp", 2)
	prog.OnStep(1, 1, 2, 0.5)
	prog.OnStep(1, 2, 2, 0.4)
	prog.OnEpoch(1, []int{1, 2}, []float64{0.5, 0.4})
	steps, losses := prog.Losses()
	assert.Equal(t, []int{1, 2}, steps)
	assert.Equal(t, []float64{0.5, 0.4}, losses)

	// a new epoch starts a new plot
	prog.OnStep(2, 1, 2, 0.3)
	steps, losses = prog.Losses()
	assert.Equal(t, []int{1}, steps)
	assert.Equal(t, []float64{0.3}, losses)

	prog.Finish(0.8, 0.7)
	s := prog.Status()
	assert.True(t, s.Done)
	assert.Equal(t, 0.8, s.Accuracy)
	assert.Equal(t, 0.7, s.F1)
}

func TestWebsocket(t *testing.T) {
	prog := NewProgress("exp", 1)
	r, err := NewRouter(prog, testConfig(), nil)
	require.NoError(t, err)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return prog.clients() == 1 }, time.Second, 10*time.Millisecond)

	prog.OnStep(1, 100, 500, 0.6)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "1:100", string(msg))

	prog.OnEpoch(1, []int{100}, []float64{0.6})
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "1:500", string(msg))

	conn.Close()
	require.Eventually(t, func() bool { return prog.clients() == 0 }, time.Second, 10*time.Millisecond)
}

func TestAuth(t *testing.T) {
	prog := NewProgress("exp", 1)
	mw := NewAuthMiddleware("user", "secret")
	r, err := NewRouter(prog, testConfig(), &mw)
	require.NoError(t, err)

	w := get(t, r, "/stats")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest("GET", "/stats", nil)
	req.SetBasicAuth("user", "wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest("GET", "/stats", nil)
	req.SetBasicAuth("user", "secret")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, cookieName, cookies[0].Name)

	// session cookie is accepted without credentials
	req = httptest.NewRequest("GET", "/stats", nil)
	req.AddCookie(cookies[0])
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
