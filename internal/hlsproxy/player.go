package hlsproxy

import (
	_ "embed"
	"html/template"
	"log/slog"
	"net/http"
)

//go:embed player.html
var playerHTML string

var playerTemplate = template.Must(template.New("player").Parse(playerHTML))

type playerPage struct {
	Channel     ChannelID
	ManifestURL string
}

// Player handles GET /player?stream=<channel>, rendering an HLS.js page that
// plays the channel's proxied manifest.
func (h *Handler) Player(w http.ResponseWriter, r *http.Request) {
	channel := h.cfg.Channel(r.URL.Query().Get("stream"))
	page := playerPage{
		Channel:     channel,
		ManifestURL: ProxyRef(h.cfg.ProxyPath, channel, h.cfg.ManifestName),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := playerTemplate.Execute(w, page); err != nil {
		h.log.Error("render player failed", slog.String("error", err.Error()))
	}
}
