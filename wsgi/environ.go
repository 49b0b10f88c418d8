package wsgi

import (
	"io"
	"strings"
)

// Environ is the request environment handed to an application. The
// well-known request metadata is exposed as typed fields; any other request
// header lands in Headers under its HTTP_<NAME> key (hyphens replaced by
// underscores, values of repeated headers joined with ",").
type Environ struct {
	RequestMethod  string
	ScriptName     string
	PathInfo       string
	QueryString    string
	RequestURI     string
	ServerName     string
	ServerPort     string
	RemoteAddr     string
	RemotePort     string
	ServerProtocol string

	// ContentType and ContentLength mirror the request headers of the same
	// name. HasContentType/HasContentLength report whether the header was
	// present at all, so an empty value is distinguishable from absence.
	ContentType      string
	HasContentType   bool
	ContentLength    string
	HasContentLength bool

	// Headers holds every remaining request header as HTTP_<UPPER_NAME>.
	Headers map[string]string

	URLScheme string
	Input     *Input
	Errors    io.Writer

	Multithread  bool
	Multiprocess bool
	RunOnce      bool
	Version      [2]int
}

// SetHeader records a request header on the environ, routing Content-Type
// and Content-Length to their dedicated fields and everything else to
// Headers. Repeated headers accumulate comma-joined in arrival order.
func (e *Environ) SetHeader(name, value string) {
	switch strings.ToLower(name) {
	case "content-type":
		e.ContentType = value
		e.HasContentType = true
	case "content-length":
		e.ContentLength = value
		e.HasContentLength = true
	default:
		key := "HTTP_" + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
		if e.Headers == nil {
			e.Headers = make(map[string]string)
		}
		if prev, ok := e.Headers[key]; ok {
			e.Headers[key] = prev + "," + value
		} else {
			e.Headers[key] = value
		}
	}
}

// Each calls fn for every CGI-style key/value of the environ, covering both
// the typed fields and the HTTP_* header map. Runtime keys (input, errors,
// flags) are not included.
func (e *Environ) Each(fn func(key, value string)) {
	fn("REQUEST_METHOD", e.RequestMethod)
	fn("SCRIPT_NAME", e.ScriptName)
	fn("PATH_INFO", e.PathInfo)
	fn("QUERY_STRING", e.QueryString)
	fn("REQUEST_URI", e.RequestURI)
	fn("SERVER_NAME", e.ServerName)
	fn("SERVER_PORT", e.ServerPort)
	fn("REMOTE_ADDR", e.RemoteAddr)
	fn("REMOTE_PORT", e.RemotePort)
	fn("SERVER_PROTOCOL", e.ServerProtocol)
	if e.HasContentType {
		fn("CONTENT_TYPE", e.ContentType)
	}
	if e.HasContentLength {
		fn("CONTENT_LENGTH", e.ContentLength)
	}
	for key, value := range e.Headers {
		fn(key, value)
	}
}

// StripURLPrefix applies script-name prefix stripping to the environ's
// PathInfo: an exact match empties the path, a match followed by "/" drops
// the prefix, anything else is left untouched.
func (e *Environ) StripURLPrefix(scriptName string) {
	e.ScriptName = scriptName
	if e.PathInfo == scriptName {
		e.PathInfo = ""
		return
	}
	if strings.HasPrefix(e.PathInfo, scriptName+"/") {
		e.PathInfo = e.PathInfo[len(scriptName):]
	}
}
