package router

// Kind tags the outcome of a route lookup
type Kind uint8

const (
	NotFound Kind = iota
	Index
	Greeting
)

// String returns the metric/log label for the kind
func (k Kind) String() string {
	switch k {
	case Index:
		return "index"
	case Greeting:
		return "greeting"
	default:
		return "not_found"
	}
}

// Result is the tagged outcome of Resolve. Name is only set for Greeting.
type Result struct {
	Kind Kind
	Name string
}

// Response is the transport-independent response descriptor
type Response struct {
	Status      int
	ContentType string
	Body        string
}

const (
	ContentType = "text/plain; charset=utf-8"

	IndexBody    = "Hello World!"
	GreetingBody = "Hello, "
	NotFoundBody = "Not found"

	greetingPrefix = "/greeting/"
)

var (
	indexResponse    = Response{Status: 200, ContentType: ContentType, Body: IndexBody}
	notFoundResponse = Response{Status: 404, ContentType: ContentType, Body: NotFoundBody}
)

// Router is the closed set of built-in routes: exact "/" and
// "/greeting/<letters>" (prefix matched case-insensitively).
// The zero value is ready to use and safe for concurrent use.
type Router struct{}

// New creates a router
func New() *Router {
	return &Router{}
}

// Resolve matches a raw request path. Anything after '?' is ignored.
func (r *Router) Resolve(path string) Result {
	for i := 0; i < len(path); i++ {
		if path[i] == '?' {
			path = path[:i]
			break
		}
	}

	// Static route - exact match
	if path == "/" {
		return Result{Kind: Index}
	}

	// Param route - single capture anchored at both ends
	if name, ok := matchGreeting(path); ok {
		return Result{Kind: Greeting, Name: name}
	}

	return Result{Kind: NotFound}
}

// Route resolves path and builds its response
func (r *Router) Route(path string) (Result, Response) {
	res := r.Resolve(path)
	return res, res.Response()
}

// Response builds the response descriptor for a result
func (res Result) Response() Response {
	switch res.Kind {
	case Index:
		return indexResponse
	case Greeting:
		if res.Name == "" {
			return notFoundResponse
		}
		return Response{Status: 200, ContentType: ContentType, Body: GreetingBody + res.Name}
	default:
		return notFoundResponse
	}
}

// matchGreeting is the static form of ^/greeting/([a-z]+)$ with the i flag
func matchGreeting(path string) (string, bool) {
	if len(path) <= len(greetingPrefix) {
		return "", false
	}
	if !equalFoldASCII(path[:len(greetingPrefix)], greetingPrefix) {
		return "", false
	}

	name := path[len(greetingPrefix):]
	for i := 0; i < len(name); i++ {
		if !isLetter(name[i]) {
			return "", false
		}
	}
	return name, true
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// equalFoldASCII compares s with a lowercase ASCII literal
func equalFoldASCII(s, lower string) bool {
	if len(s) != len(lower) {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != lower[i] {
			return false
		}
	}
	return true
}
