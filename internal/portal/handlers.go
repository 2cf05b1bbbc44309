package portal

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/AdguardTeam/golibs/log"

	"github.com/ohx-io/wifi-connect/internal/aghhttp"
	"github.com/ohx-io/wifi-connect/internal/wifitypes"
)

// routes builds the portal's HTTP mux: a JSON control API plus a static
// asset fallback, grounded on the teacher's internal/home/web.go mux
// construction (one ServeMux, handlers registered by path, a catch-all
// file server last).
func (p *Portal) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /networks", p.handleNetworks)
	mux.HandleFunc("GET /events", p.handleEvents)
	mux.HandleFunc("GET /refresh", p.handleRefresh)
	mux.HandleFunc("POST /connect", p.handleConnect)
	mux.HandleFunc("/", p.handleAsset)

	return mux
}

func (p *Portal) handleNetworks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(aghhttp.HdrNameContentType, aghhttp.HdrValApplicationJSON)

	if err := json.NewEncoder(w).Encode(p.snapshot()); err != nil {
		aghhttp.Error(r, w, http.StatusInternalServerError, "encoding networks: %s", err)
	}
}

func (p *Portal) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if _, err := p.backend.ScanNetworks(r.Context()); err != nil {
		aghhttp.Error(r, w, http.StatusInternalServerError, "scanning networks: %s", err)

		return
	}

	aghhttp.OK(w)
}

// handleConnect implements §4.C's POST /connect: decode the request body,
// hand it to the waiting Start call exactly once, and reply. A second call
// after the slot is already taken replies 500, per §9's specified
// resolution of the source's undefined re-entry behavior.
func (p *Portal) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req wifitypes.WifiConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		aghhttp.Error(r, w, http.StatusBadRequest, "decoding request body: %s", err)

		return
	}

	if !p.acceptConnect(req) {
		aghhttp.Error(r, w, http.StatusInternalServerError, "a connection request was already accepted")

		return
	}

	aghhttp.OK(w)
}

func (p *Portal) handleAsset(w http.ResponseWriter, r *http.Request) {
	if p.conf.AssetDir == "" {
		http.NotFound(w, r)

		return
	}

	fs := http.FileServer(http.Dir(p.conf.AssetDir))

	name := r.URL.Path
	if name == "/" {
		name = "/index.html"
	}

	if !assetExists(p.conf.AssetDir, name) {
		accept := r.Header.Get("Accept")

		if containsAny(accept, "text", "*/*") {
			http.Redirect(w, r, fmt.Sprintf("http://%s/index.html", p.http.Addr), http.StatusFound)

			return
		}

		http.NotFound(w, r)

		return
	}

	fs.ServeHTTP(w, r)
}

// handleEvents serves a text/event-stream: SSE frames of the form
// "retry: 3000\nevent: <name>\ndata: <json>\n\n" (§4.C), keyed by peer IP
// so a client reconnecting from the same address replaces rather than
// duplicates its subscription (§3 SSE client set).
func (p *Portal) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		aghhttp.Error(r, w, http.StatusInternalServerError, "streaming unsupported")

		return
	}

	key := peerIP(r.RemoteAddr)

	ch := p.subscribe(key)
	defer p.unsubscribe(key, ch)

	h := w.Header()
	h.Set(aghhttp.HdrNameContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(aghhttp.HdrNameAccessControlAllowOrigin, "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}

			if err := writeSSE(w, ev); err != nil {
				return
			}

			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev sseEvent) error {
	if ev.payload == nil {
		_, err := fmt.Fprintf(w, "retry: 3000\nevent: %s\ndata: {}\n\n", ev.name)

		return err
	}

	payload, err := json.Marshal(ev.payload)
	if err != nil {
		log.Error("portal: marshaling sse event: %s", err)

		return nil
	}

	_, err = fmt.Fprintf(w, "retry: 3000\nevent: %s\ndata: %s\n\n", ev.name, payload)

	return err
}

// peerIP strips the ephemeral source port from addr, so a client
// reconnecting from a new port is still recognized as the same peer (§3 SSE
// client set, §4.C, §8: "at most one live entry per peer IP").
func peerIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}

	return host
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}

	return false
}

// assetExists reports whether name resolves to a regular file under dir,
// refusing to let the request path escape the asset directory.
func assetExists(dir, name string) bool {
	clean := filepath.Join(dir, filepath.Clean("/"+name))
	if !strings.HasPrefix(clean, filepath.Clean(dir)+string(filepath.Separator)) {
		return false
	}

	fi, err := os.Stat(clean)

	return err == nil && !fi.IsDir()
}
