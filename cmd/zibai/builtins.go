package main

import (
	"github.com/zibai-server/zibai"
	"github.com/zibai-server/zibai/wsgi"
)

// helloApp is the built-in demonstration application.
func helloApp(environ *wsgi.Environ, startResponse wsgi.StartResponse) (wsgi.Body, error) {
	body := []byte("Hello World!")
	_, err := startResponse("200 OK", []wsgi.Header{
		{Name: "Content-Type", Value: "text/plain; charset=utf-8"},
		{Name: "Content-Length", Value: "12"},
	}, nil)
	if err != nil {
		return nil, err
	}
	return wsgi.NewBody(body), nil
}

// registerBuiltins installs the demonstration application so the bare
// binary has something to serve.
func registerBuiltins() {
	zibai.Register("zibai.examples:hello", helloApp)
	zibai.RegisterFactory("zibai.examples:hello_factory", func() wsgi.App {
		return helloApp
	})
}
