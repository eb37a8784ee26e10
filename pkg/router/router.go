package router

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"runtime"

	"github.com/go-chi/chi/v5"
)

var DefaultError = NewError(http.StatusInternalServerError, "internal server error")

// Router is a wrapper around chi.Router that provides error handling.
// Handlers can return an error that will then get mapped to an error response.
// Error mappers can be registered for sentinel errors to provide custom error responses.
type Router struct {
	chi.Router
	*config
}

type mapping struct {
	target error
	fn     ErrorMapper
}

// config is shared by a router and every router derived from it.
type config struct {
	errorMappers []mapping
	defaultError StatusError
	logger       *slog.Logger
}

func New(opts ...RouterOption) *Router {
	cfg := &config{
		defaultError: DefaultError,
		logger:       slog.Default(),
	}
	r := &Router{Router: chi.NewRouter(), config: cfg}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type RouterOption func(*Router)

func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

func WithDefaultError(err StatusError) RouterOption {
	return func(r *Router) {
		r.defaultError = err
	}
}

func (a *Router) derive(r chi.Router) *Router {
	return &Router{Router: r, config: a.config}
}

// HandlerFunc is a function that handles an HTTP request and returns an error.
// When the handler fails to handle the request it should not write anything to the response writer
// instead it should return an error that will be mapped to an error response.
type HandlerFunc func(http.ResponseWriter, *http.Request) error

type Middleware func(http.Handler) HandlerFunc

// ErrorMapper is a function that maps go errors to API errors.
type ErrorMapper func(error) Error

// RegisterErrorMapper maps every error matching target with errors.Is through fn.
// Mappers registered first take precedence.
func (a *Router) RegisterErrorMapper(target error, fn ErrorMapper) {
	a.errorMappers = append(a.errorMappers, mapping{target: target, fn: fn})
}

// MapStatus registers a mapper that answers target with code and the error text.
func (a *Router) MapStatus(target error, code int) {
	a.RegisterErrorMapper(target, func(err error) Error {
		return NewError(code, target.Error())
	})
}

// mapError maps a go error to an API error.
// The mapping works as following:
//   - if the error is or wraps an Error it is returned as is.
//   - otherwise the first mapper whose target matches is used.
//   - if no error mapper is found the default error is returned.
func (a *Router) mapError(err error) Error {
	var apiErr Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	for _, m := range a.errorMappers {
		if errors.Is(err, m.target) {
			return m.fn(err)
		}
	}
	return a.defaultError
}

func (a *Router) handleWithErr(h HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		resError := a.mapError(err)
		if resError.StatusCode() >= http.StatusInternalServerError {
			handlerFn := runtime.FuncForPC(reflect.ValueOf(h).Pointer())
			a.logger.Error(err.Error(), slog.String("handler", handlerFn.Name()))
		} else {
			a.logger.Debug(err.Error(), slog.String("path", r.URL.Path))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resError.StatusCode())
		if err := resError.Encode(w); err != nil {
			a.logger.Warn("encode error response", slog.String("error", err.Error()))
		}
	}
}

// WriteJSON writes v as the JSON body of a response with status code.
func WriteJSON(w http.ResponseWriter, code int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	return json.NewEncoder(w).Encode(v)
}

// DecodeJSON decodes the request body into v. A malformed body is reported as
// a 400 StatusError.
func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return NewError(http.StatusBadRequest, "malformed request body")
	}
	return nil
}

func (a *Router) Get(path string, h HandlerFunc) {
	a.Router.Get(path, a.handleWithErr(h))
}

func (a *Router) Post(path string, h HandlerFunc) {
	a.Router.Post(path, a.handleWithErr(h))
}

func (a *Router) Put(path string, h HandlerFunc) {
	a.Router.Put(path, a.handleWithErr(h))
}

func (a *Router) Delete(path string, h HandlerFunc) {
	a.Router.Delete(path, a.handleWithErr(h))
}

func (a *Router) Route(path string, f func(r *Router)) {
	a.Router.Route(path, func(r chi.Router) {
		f(a.derive(r))
	})
}

func (a *Router) Group(f func(r *Router)) *Router {
	ch := a.Router.Group(func(r chi.Router) {
		f(a.derive(r))
	})
	return a.derive(ch)
}

func (a *Router) Use(middleware Middleware) {
	a.Router.Use(func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	})
}

func (a *Router) With(middleware Middleware) *Router {
	ch := a.Router.With(func(h http.Handler) http.Handler {
		return a.handleWithErr(middleware(h))
	})
	return a.derive(ch)
}

// Mount attaches another router under pattern.
func (a *Router) Mount(pattern string, h http.Handler) {
	a.Router.Mount(pattern, h)
}
