package ti_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DataExMachina-dev/side-eye-ti/ti"
)

func TestHttpHandler(t *testing.T) {
	rt := newRuntime(t)
	env := newEnv(t, rt)
	s := startSpinner(t, rt, "spinner <1>")
	require.NoError(t, env.SuspendThread(nil, s.peer))
	defer func() { require.NoError(t, env.ResumeThread(nil, s.peer)) }()

	h := ti.HttpHandler(env)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/threads", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "spinner &lt;1&gt;")
	require.Contains(t, body, "RUNNABLE")
	require.Contains(t, body, "alive|runnable|suspended")
	require.NotContains(t, body, "thread dump")
	// The dump thread has gone away again.
	require.Eventually(t, func() bool {
		peers, err := env.GetAllThreads(nil)
		return err == nil && len(peers) == 1
	}, 5*time.Second, time.Millisecond)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/threads", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
