package epubres

import (
	"net/http"
	"regexp"
	"strconv"

	"github.com/sirupsen/logrus"
)

// DefaultPrefix is the URL path prefix the interceptor answers under.
const DefaultPrefix = "/___"

// Interceptor is an http.Handler serving registered bundle entries at
// <prefix>/<bundle-id>/<entry-path>. Requests outside the prefix, and
// methods other than GET and HEAD, are passed to the next handler.
type Interceptor struct {
	reg     *Registry
	next    http.Handler
	prefix  string
	pattern *regexp.Regexp
	log     *logrus.Logger
}

// InterceptorOption configures an Interceptor.
type InterceptorOption func(*Interceptor)

// WithPrefix sets the path prefix, e.g. "/books".
func WithPrefix(prefix string) InterceptorOption {
	return func(i *Interceptor) { i.prefix = prefix }
}

// NewInterceptor returns an Interceptor resolving through reg. next may be
// nil, in which case unmatched requests get 404.
func NewInterceptor(reg *Registry, next http.Handler, opts ...InterceptorOption) *Interceptor {
	i := &Interceptor{
		reg:    reg,
		next:   next,
		prefix: DefaultPrefix,
		log:    reg.log,
	}
	for _, o := range opts {
		o(i)
	}
	i.pattern = regexp.MustCompile(`^` + regexp.QuoteMeta(i.prefix) + `/(\w+)/(.+)$`)
	return i
}

// Match splits a request path into bundle ID and entry path.
func (i *Interceptor) Match(urlPath string) (bundleID, entryPath string, ok bool) {
	m := i.pattern.FindStringSubmatch(urlPath)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

func (i *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bundleID, entryPath, ok := i.Match(r.URL.Path)
	if !ok || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
		i.passThrough(w, r)
		return
	}

	res, err := i.reg.Resolve(r.Context(), bundleID, entryPath)
	if err != nil {
		i.log.WithFields(logrus.Fields{
			"bundle": bundleID,
			"path":   entryPath,
		}).WithError(err).Debug("entry not served")
		http.NotFound(w, r)
		return
	}

	h := w.Header()
	h.Set("Content-Type", res.MimeType)
	h.Set("Content-Length", strconv.Itoa(len(res.Data)))
	h.Set("Cache-Control", "public")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		w.Write(res.Data)
	}
}

func (i *Interceptor) passThrough(w http.ResponseWriter, r *http.Request) {
	if i.next == nil {
		http.NotFound(w, r)
		return
	}
	i.next.ServeHTTP(w, r)
}
