/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package server

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/klauspost/compress/gzhttp"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/PivotLLM/Conduit/faults"
	"github.com/PivotLLM/Conduit/global"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(s.recoverer)

	r.Method(http.MethodGet, global.HealthPath, gzhttp.GzipHandler(http.HandlerFunc(s.handleHealth)))

	r.Post(s.endpoint, s.handlePost)
	r.Get(s.endpoint, s.handleGet)
	r.Delete(s.endpoint, s.handleDelete)
	return r
}

// recoverer turns a handler panic into an Internal fault
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Errorf("Panic serving %s %s [%s]: %v\n%s", r.Method, r.URL.Path, middleware.GetReqID(r.Context()), rec, debug.Stack())
			f := faults.Wrap(faults.CodeInternal, fmt.Errorf("panic: %v", rec), "handler panicked")
			s.writeFault(w, mcp.RequestId{}, f)
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.health())
}
