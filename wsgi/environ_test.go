package wsgi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnviron_SetHeader(t *testing.T) {
	e := &Environ{}

	e.SetHeader("Content-Type", "text/plain")
	e.SetHeader("Content-Length", "12")
	e.SetHeader("X-Custom-Header", "one")
	e.SetHeader("Accept", "*/*")

	assert.Equal(t, "text/plain", e.ContentType)
	assert.True(t, e.HasContentType)
	assert.Equal(t, "12", e.ContentLength)
	assert.True(t, e.HasContentLength)
	assert.Equal(t, "one", e.Headers["HTTP_X_CUSTOM_HEADER"])
	assert.Equal(t, "*/*", e.Headers["HTTP_ACCEPT"])
}

func TestEnviron_SetHeader_joinsDuplicates(t *testing.T) {
	e := &Environ{}

	e.SetHeader("X-Forwarded-For", "10.0.0.1")
	e.SetHeader("X-Forwarded-For", "10.0.0.2")
	e.SetHeader("X-Forwarded-For", "10.0.0.3")

	assert.Equal(t, "10.0.0.1,10.0.0.2,10.0.0.3", e.Headers["HTTP_X_FORWARDED_FOR"])
}

func TestEnviron_StripURLPrefix(t *testing.T) {
	tests := []struct {
		name       string
		scriptName string
		pathInfo   string
		want       string
	}{
		{
			name:       "exact match empties path",
			scriptName: "/api",
			pathInfo:   "/api",
			want:       "",
		},
		{
			name:       "prefix with slash is stripped",
			scriptName: "/api",
			pathInfo:   "/api/users",
			want:       "/users",
		},
		{
			name:       "unrelated path untouched",
			scriptName: "/api",
			pathInfo:   "/apix/users",
			want:       "/apix/users",
		},
		{
			name:       "empty script name leaves path",
			scriptName: "",
			pathInfo:   "/users",
			want:       "/users",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &Environ{PathInfo: tt.pathInfo}
			e.StripURLPrefix(tt.scriptName)
			assert.Equal(t, tt.want, e.PathInfo)
			assert.Equal(t, tt.scriptName, e.ScriptName)
		})
	}
}

func TestEnviron_Each(t *testing.T) {
	e := &Environ{
		RequestMethod:  "GET",
		PathInfo:       "/",
		ServerProtocol: "HTTP/1.1",
	}
	e.SetHeader("Host", "example.com")

	seen := map[string]string{}
	e.Each(func(key, value string) { seen[key] = value })

	assert.Equal(t, "GET", seen["REQUEST_METHOD"])
	assert.Equal(t, "example.com", seen["HTTP_HOST"])
	assert.NotContains(t, seen, "CONTENT_TYPE")
	assert.NotContains(t, seen, "CONTENT_LENGTH")
}
