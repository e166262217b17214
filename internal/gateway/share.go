package gateway

import (
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
)

var sharedPage = template.Must(template.New("shared").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex">
<title>{{.Title}}</title>
<style>
body { max-width: 46rem; margin: 2rem auto; padding: 0 1rem; font: 16px/1.6 system-ui, sans-serif; color: #1d1d1f; }
pre { background: #f5f5f7; padding: .75rem; overflow-x: auto; }
footer { margin-top: 3rem; font-size: .85rem; color: #6e6e73; }
</style>
</head>
<body>
<article>
{{.Body}}
</article>
{{if not .UpdatedAt.IsZero}}<footer>Updated {{.UpdatedAt.Format "2006-01-02 15:04 MST"}}</footer>{{end}}
</body>
</html>
`))

var notFoundPage = template.Must(template.New("missing").Parse(`<!doctype html>
<html lang="en"><head><meta charset="utf-8"><title>Not found</title></head>
<body><p>{{.}}</p></body></html>
`))

type sharedView struct {
	Title     string
	Body      template.HTML
	UpdatedAt time.Time
}

// handleSharedLink renders a document reachable through a share link.
func (g *Gateway) handleSharedLink(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if g.cfg.Sharing == nil {
		w.WriteHeader(http.StatusNotFound)
		notFoundPage.Execute(w, "This link does not exist.") //nolint:errcheck
		return
	}

	doc, err := g.cfg.Sharing.ReadByToken(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		if rerr, ok := rpcerr.As(err); ok && rerr.Code == rpcerr.CodeNotFound {
			w.WriteHeader(http.StatusNotFound)
			notFoundPage.Execute(w, "This link does not exist or was revoked.") //nolint:errcheck
			return
		}
		g.logger.Error("shared link read failed", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		notFoundPage.Execute(w, "Something went wrong.") //nolint:errcheck
		return
	}

	w.Header().Set("Cache-Control", "private, max-age=60")
	// The body was rendered from markdown with raw HTML disabled.
	sharedPage.Execute(w, sharedView{ //nolint:errcheck
		Title:     doc.Title,
		Body:      template.HTML(doc.HTML), //nolint:gosec
		UpdatedAt: doc.UpdatedAt,
	})
}
