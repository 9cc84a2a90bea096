package main

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/simp-lee/epubres"
)

// registerRequest is the body of POST /bundles.
type registerRequest struct {
	ID         string `json:"id,omitempty"`
	Path       string `json:"path,omitempty"`
	URL        string `json:"url,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

type bundleInfo struct {
	ID           string `json:"id"`
	Locator      string `json:"locator"`
	Title        string `json:"title,omitempty"`
	Revision     uint64 `json:"revision"`
	Items        int    `json:"items"`
	LicenseState string `json:"license_state,omitempty"`
}

func describe(b *epubres.Bundle) bundleInfo {
	info := bundleInfo{
		ID:       b.ID(),
		Locator:  b.Locator(),
		Title:    b.Title(),
		Revision: b.Revision(),
		Items:    b.Manifest().Len(),
	}
	if lic := b.License(); lic != nil {
		info.LicenseState = lic.State().String()
	}
	return info
}

// newHandler routes intercepted entry requests to the registry and
// everything else to the admin endpoints.
func newHandler(reg *epubres.Registry, cfg *Config, logger *logrus.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	a := &admin{reg: reg, log: logger}
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		a.writeJSON(w, http.StatusOK, reg.Stats())
	})

	if cfg.Admin {
		mux.HandleFunc("GET /bundles", a.list)
		mux.HandleFunc("POST /bundles", a.register)
		mux.HandleFunc("DELETE /bundles/{id}", a.unregister)
	}

	return epubres.NewInterceptor(reg, mux, epubres.WithPrefix(cfg.Prefix))
}

type admin struct {
	reg *epubres.Registry
	log *logrus.Logger
}

func (a *admin) list(w http.ResponseWriter, _ *http.Request) {
	out := []bundleInfo{}
	for _, id := range a.reg.Bundles() {
		if b, ok := a.reg.Bundle(id); ok {
			out = append(out, describe(b))
		}
	}
	a.writeJSON(w, http.StatusOK, out)
}

func (a *admin) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	book := BookConfig(req)
	if (book.Path == "") == (book.URL == "") {
		http.Error(w, "exactly one of path or url is required", http.StatusBadRequest)
		return
	}

	if err := preload(r.Context(), a.reg, book); err != nil {
		a.log.WithError(err).WithField("book", book.Path+book.URL).Warn("registration failed")
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	id := book.ID
	if id == "" {
		id = epubres.BundleID(book.Path + book.URL)
	}
	b, ok := a.reg.Bundle(id)
	if !ok {
		http.Error(w, "bundle vanished after registration", http.StatusConflict)
		return
	}
	a.writeJSON(w, http.StatusCreated, describe(b))
}

func (a *admin) unregister(w http.ResponseWriter, r *http.Request) {
	if !a.reg.Unregister(r.Context(), r.PathValue("id")) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *admin) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.WithError(err).WithField("status", status).Warn("write response")
	}
}
