package api

import (
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"

	"github.com/est/p.est.im/pkg/domain"
	"github.com/est/p.est.im/svc/cache"
)

// cspDefault locks every non-HTML response down completely; images may
// only come from the paste origin itself.
const cspDefault = "default-src 'none'; script-src 'none'; style-src 'none'; img-src 'self'"

// cspHTML pins script/style/font loading to the configured CDN origin
// that serves the client-side Markdown renderer and sanitizer.
func cspHTML(cdnOrigin string) string {
	return fmt.Sprintf(
		"default-src 'none'; script-src %s 'unsafe-inline'; style-src %s 'unsafe-inline'; font-src %s; img-src *",
		cdnOrigin, cdnOrigin, cdnOrigin,
	)
}

// hotlinkBlocked rejects cross-site fetches whose destination is not a
// top-level document: third-party pages may link to a paste, but not
// embed it.
func hotlinkBlocked(r *http.Request) bool {
	if r.Header.Get("Sec-Fetch-Site") != "cross-site" {
		return false
	}
	dest := r.Header.Get("Sec-Fetch-Dest")
	return dest != "" && dest != "document"
}

// isMarkdown reports whether the id denotes a Markdown document.
func isMarkdown(id string) bool {
	return strings.HasSuffix(id, ".md")
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// buildRaw assembles the response for a paste served as raw bytes. The
// sniffed MIME type is authoritative; the body is the stored content
// byte for byte.
func buildRaw(p *domain.Paste, maxAge int) *cache.Entry {
	h := http.Header{}
	h.Set("Content-Type", p.System.MIME)
	h.Set("Content-Length", strconv.Itoa(len(p.Content)))
	h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	h.Set("X-Paste-Views", strconv.FormatInt(p.Counters.Views, 10))
	if p.System.HasDimensions() {
		h.Set("X-Image-Dimensions", fmt.Sprintf("%dx%d", p.System.Width, p.System.Height))
	}
	return &cache.Entry{
		Status: http.StatusOK,
		Header: h,
		Body:   p.Content,
	}
}

// buildMarkdown embeds the paste source, escaped, into a fixed HTML
// shell rendered client-side by a sanitizing Markdown renderer loaded
// from the pinned CDN origin. The server never interprets the Markdown
// and never trusts raw HTML.
func buildMarkdown(p *domain.Paste, maxAge int, cdnOrigin string) *cache.Entry {
	body := []byte(fmt.Sprintf(markdownShell,
		cdnOrigin,
		html.EscapeString(string(p.Content)),
		cdnOrigin,
		cdnOrigin,
	))
	h := http.Header{}
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))
	h.Set("Content-Security-Policy", cspHTML(cdnOrigin))
	h.Set("X-Paste-Views", strconv.FormatInt(p.Counters.Views, 10))
	return &cache.Entry{
		Status: http.StatusOK,
		Header: h,
		Body:   body,
	}
}

const markdownShell = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<link rel="stylesheet" href="%s/npm/github-markdown-css@5/github-markdown.min.css">
</head>
<body class="markdown-body">
<pre id="source" hidden>%s</pre>
<div id="rendered"></div>
<script src="%s/npm/marked@12/marked.min.js"></script>
<script src="%s/npm/dompurify@3/dist/purify.min.js"></script>
<script>
document.getElementById("rendered").innerHTML =
  DOMPurify.sanitize(marked.parse(document.getElementById("source").textContent));
</script>
</body>
</html>
`

// writeEntry replays a built or cached response. Entry headers win
// over the middleware defaults, which is how the HTML variant carries
// its own CSP.
func writeEntry(w http.ResponseWriter, e *cache.Entry) {
	for k, vs := range e.Header {
		w.Header()[k] = vs
	}
	w.WriteHeader(e.Status)
	w.Write(e.Body)
}
