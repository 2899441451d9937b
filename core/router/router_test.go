package router

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouterResolve(t *testing.T) {
	r := New()

	tests := []struct {
		path string
		kind Kind
		name string
	}{
		{"/", Index, ""},
		{"/?x=1", Index, ""},
		{"/greeting/world", Greeting, "world"},
		{"/greeting/World", Greeting, "World"},
		{"/GREETING/bob", Greeting, "bob"},
		{"/Greeting/aBc?lang=en", Greeting, "aBc"},
		{"", NotFound, ""},
		{"/greeting/", NotFound, ""},
		{"/greeting", NotFound, ""},
		{"/greeting/123", NotFound, ""},
		{"/greeting/abc1", NotFound, ""},
		{"/greeting/a/b", NotFound, ""},
		{"/greeting/abc/", NotFound, ""},
		{"/x/greeting/abc", NotFound, ""},
		{"/greetings/abc", NotFound, ""},
		{"/greeting/%41bc", NotFound, ""},
		{"/foo", NotFound, ""},
		{"//", NotFound, ""},
		{"*", NotFound, ""},
	}

	for _, tt := range tests {
		res := r.Resolve(tt.path)
		assert.Equal(t, tt.kind, res.Kind, "path %q", tt.path)
		assert.Equal(t, tt.name, res.Name, "path %q", tt.path)
	}
}

func TestRouterResponses(t *testing.T) {
	r := New()

	_, resp := r.Route("/")
	assert.Equal(t, Response{Status: 200, ContentType: ContentType, Body: "Hello World!"}, resp)

	_, resp = r.Route("/greeting/world")
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, "Hello, world", resp.Body)

	for _, p := range []string{"/greeting/", "/greeting/123", "/foo", ""} {
		_, resp = r.Route(p)
		assert.Equal(t, 404, resp.Status, "path %q", p)
		assert.Equal(t, "Not found", resp.Body, "path %q", p)
		assert.Equal(t, ContentType, resp.ContentType)
	}
}

// A greeting result without a captured name must never produce a greeting
func TestResultWithoutNameFallsThrough(t *testing.T) {
	resp := Result{Kind: Greeting}.Response()
	assert.Equal(t, 404, resp.Status)
	assert.Equal(t, NotFoundBody, resp.Body)
}

func TestGreetingEchoesName(t *testing.T) {
	r := New()
	names := []string{"a", "z", "hello", "WoRlD", strings.Repeat("q", 512)}

	for _, name := range names {
		_, resp := r.Route("/greeting/" + name)
		assert.Equal(t, 200, resp.Status)
		assert.Equal(t, name, strings.TrimPrefix(resp.Body, GreetingBody))
	}
}

func TestRouterIdempotentAndConcurrent(t *testing.T) {
	r := New()
	paths := []string{"/", "/greeting/alice", "/greeting/bob", "/nope"}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				p := paths[j%len(paths)]
				_, a := r.Route(p)
				_, b := r.Route(p)
				assert.Equal(t, a, b)
			}
		}()
	}
	wg.Wait()
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "index", Index.String())
	assert.Equal(t, "greeting", Greeting.String())
	assert.Equal(t, "not_found", NotFound.String())
}

func BenchmarkRouterIndex(b *testing.B) {
	r := New()
	for i := 0; i < b.N; i++ {
		r.Resolve("/")
	}
}

func BenchmarkRouterGreeting(b *testing.B) {
	r := New()
	for i := 0; i < b.N; i++ {
		r.Resolve("/greeting/hello")
	}
}
