package fluke

import (
	"net/http"

	"github.com/nasa-jpl/battcycle/generichttp"
)

// HTTPWrapper provides HTTP bindings on top of the underlying Go interface
type HTTPWrapper struct {
	*Meter

	// RouteTable maps method/paths to http handlers
	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(m *Meter) HTTPWrapper {
	w := HTTPWrapper{Meter: m}
	w.RouteTable = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/voltage"}: generichttp.GetFloat(m.Voltage),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/current"}: generichttp.GetFloat(m.Current),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/idn"}:     generichttp.GetString(m.Identify),
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}
