// Package generichttp binds Go getters and setters to HTTP routes
// and serves them on a chi router
package generichttp

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi"
)

// MethodPath is a struct containing an HTTP method and a URL path
type MethodPath struct {
	Method, Path string
}

// RouteTable maps MethodPaths to handlers
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints lists the routes in a RouteTable as "METHOD /path", sorted by
// path then method
func (rt RouteTable) Endpoints() []string {
	keys := make([]MethodPath, 0, len(rt))
	for k := range rt {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Path != keys[j].Path {
			return keys[i].Path < keys[j].Path
		}
		return keys[i].Method < keys[j].Method
	})
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Method + " " + k.Path
	}
	return out
}

// HTTPer is something that can produce a route table
type HTTPer interface {
	RT() RouteTable
}

// Bind attaches every route of h to r, plus GET /endpoints listing them
func Bind(r chi.Router, h HTTPer) {
	rt := h.RT()
	for mp, fcn := range rt {
		r.MethodFunc(mp.Method, mp.Path, fcn)
	}
	list := rt.Endpoints()
	r.Get("/endpoints", func(w http.ResponseWriter, req *http.Request) {
		EncodeAndRespond(w, list)
	})
}

// NewMux returns a chi router with every HTTPer mounted under its stem.
// Stems are cleaned of trailing slashes and given a leading one.  Middleware
// wraps every route.
func NewMux(nodes map[string]HTTPer, middleware ...func(http.Handler) http.Handler) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware...)
	for stem, h := range nodes {
		stem = "/" + strings.Trim(stem, "/")
		if stem == "/" {
			Bind(root, h)
			continue
		}
		sub := chi.NewRouter()
		Bind(sub, h)
		root.Mount(stem, sub)
	}
	return root
}

// FloatT is a JSON payload of a single float.  NaN and Inf encode as null
// since JSON has no spelling for them.
type FloatT struct {
	F64 *float64 `json:"f64"`
}

// Float makes a FloatT
func Float(f float64) FloatT {
	return FloatT{F64: Finite(f)}
}

// Finite returns nil for NaN and Inf, else a pointer to f
func Finite(f float64) *float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// StrT is a JSON payload of a single string
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a JSON payload of a single bool
type BoolT struct {
	Bool bool `json:"bool"`
}

// EncodeAndRespond writes v as JSON with a 200 status
func EncodeAndRespond(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		fstr := fmt.Sprintf("error encoding data to json %q", err)
		http.Error(w, fstr, http.StatusInternalServerError)
	}
}

// GetFloat calls a float-getting function and returns the response
// as json {'f64': value}
func GetFloat(fcn func() (float64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		EncodeAndRespond(w, Float(f))
	}
}

// GetString calls a string-getting function and returns the response
// as json {'str': value}
func GetString(fcn func() (string, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		EncodeAndRespond(w, StrT{Str: s})
	}
}

// GetBool calls a bool-getting function and returns the response
// as json {'bool': value}
func GetBool(fcn func() (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, err := fcn()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		EncodeAndRespond(w, BoolT{Bool: b})
	}
}

// SetBool parses a JSON input of {'bool': value} and
// calls fcn with it
func SetBool(fcn func(bool) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b := BoolT{}
		err := json.NewDecoder(r.Body).Decode(&b)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = fcn(b.Bool)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
