package ti

import (
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/DataExMachina-dev/side-eye-ti/vm"
)

// HttpHandler returns a handler that renders every thread's state as an HTML
// table. The dump is taken with the world stopped, so it is a consistent cut.
// Concurrent requests share a single dump.
func HttpHandler(env *Env) http.Handler {
	return &httpHandler{env: env}
}

type httpHandler struct {
	env   *Env
	group singleflight.Group
}

type threadRow struct {
	id       uint64
	name     string
	daemon   bool
	state    vm.State
	ts       ThreadState
	internal int
	user     int
}

type threadDump struct {
	id    uuid.UUID
	taken time.Time
	rows  []threadRow
}

func (h *httpHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	v, err, _ := h.group.Do("dump", func() (any, error) {
		return h.dump()
	})
	if err != nil {
		h.env.cfg.errorLogger(fmt.Errorf("failed to dump threads: %w", err))
		http.Error(w, "failed to dump threads", http.StatusInternalServerError)
		return
	}
	h.handleGet(w, v.(*threadDump))
}

func (h *httpHandler) dump() (*threadDump, error) {
	rt := h.env.rt
	self, err := rt.Attach("thread dump", true)
	if err != nil {
		return nil, fmt.Errorf("failed to attach dump thread: %w", err)
	}
	defer self.Detach()

	d := &threadDump{id: uuid.New(), taken: time.Now()}
	rt.StopTheWorld(self, "thread dump", func() {
		l := rt.Locks()
		held := self.Held()
		l.ThreadList.Lock(held)
		l.ThreadSuspendCount.Lock(held)
		defer func() {
			l.ThreadSuspendCount.Unlock(held)
			l.ThreadList.Unlock(held)
		}()
		rt.ThreadList().ForEach(func(t *vm.Thread) {
			if t == self || t.IsStillStarting() {
				return
			}
			state := t.State()
			user := t.UserCodeSuspendCount()
			d.rows = append(d.rows, threadRow{
				id:     t.ID(),
				name:   t.Name(),
				daemon: t.IsDaemon(),
				state:  state,
				ts: ThreadState{
					Flags:     flagsFor(state, user != 0, t.IsInterrupted()),
					Lifecycle: lifecycleFor(state),
				},
				// The dump itself holds one internal suspension.
				internal: t.InternalSuspendCount() - 1,
				user:     user,
			})
		})
	})
	h.env.cfg.logger.Debug(h.env.ctx(), "threads dumped", "dump", d.id.String(), "threads", len(d.rows))
	return d, nil
}

func (h *httpHandler) handleGet(w http.ResponseWriter, d *threadDump) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	sb := strings.Builder{}
	sb.WriteString(`<html>
<head>
	<title>Thread dump</title>
	<style>
	td, th {
		padding: 2px 8px;
		text-align: left;
	}
	</style>
</head>
<body>
<h1>Thread dump</h1>
`)
	sb.WriteString(fmt.Sprintf("<p>Dump %s taken at %s, %d threads.</p>\n",
		d.id, d.taken.Format(time.RFC3339Nano), len(d.rows)))
	sb.WriteString(`<table>
<tr><th>ID</th><th>Name</th><th>Daemon</th><th>State</th><th>Lifecycle</th><th>Flags</th><th>Internal suspends</th><th>User suspends</th></tr>
`)
	for _, r := range d.rows {
		sb.WriteString(fmt.Sprintf(
			"<tr><td>%d</td><td>%s</td><td>%t</td><td>%s</td><td>%s</td><td>%s</td><td>%d</td><td>%d</td></tr>\n",
			r.id, html.EscapeString(r.name), r.daemon, r.state, r.ts.Lifecycle, r.ts.Flags, r.internal, r.user))
	}
	sb.WriteString(`</table>
</body>
</html>`)

	if _, err := w.Write([]byte(sb.String())); err != nil {
		h.env.cfg.errorLogger(fmt.Errorf("failed to write response: %w", err))
	}
}
