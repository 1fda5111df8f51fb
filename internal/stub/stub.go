// Package stub serves canned HTTP responses to harness tests and checks
// afterwards that the expected requests were made.
package stub

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"buildbox/internal/security"
)

// File is the YAML layout of a stub definition file.
type File struct {
	Stubs []Stub `yaml:"stubs"`
}

// Stub pairs a request matcher with the response served for it.
type Stub struct {
	Name     string   `yaml:"name"`
	Request  Request  `yaml:"request"`
	Response Response `yaml:"response"`
	// Expect is the exact number of matching requests the tests must make.
	// Unset means any number.
	Expect *int `yaml:"expect"`

	source string
}

type Request struct {
	Method  string            `yaml:"method"`
	Path    string            `yaml:"path"`
	Query   map[string]string `yaml:"query"`
	Headers map[string]string `yaml:"headers"`
}

type Response struct {
	Status   int               `yaml:"status"`
	Headers  map[string]string `yaml:"headers"`
	Body     string            `yaml:"body"`
	BodyFile string            `yaml:"body_file"`
	DelayMS  int               `yaml:"delay_ms"`
}

// Label identifies the stub in messages.
func (s *Stub) Label() string {
	if s.Name != "" {
		return s.Name
	}
	method := s.Request.Method
	if method == "" {
		method = "*"
	}
	return method + " " + s.Request.Path
}

// Load reads stub definition files in order. body_file paths are resolved
// against the directory of the file that names them and must stay inside it.
func Load(paths ...string) ([]*Stub, error) {
	var stubs []*Stub
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read stub file: %w", err)
		}

		var file File
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse stub file %s: %w", path, err)
		}

		for i := range file.Stubs {
			s := file.Stubs[i]
			s.source = path
			if err := s.normalize(filepath.Dir(path)); err != nil {
				return nil, fmt.Errorf("%s: stub %d (%s): %w", path, i, s.Label(), err)
			}
			stubs = append(stubs, &s)
		}
	}
	return stubs, nil
}

func (s *Stub) normalize(dir string) error {
	if s.Request.Path == "" || !strings.HasPrefix(s.Request.Path, "/") {
		return fmt.Errorf("request.path must start with '/', got '%s'", s.Request.Path)
	}
	if !doublestar.ValidatePattern(s.Request.Path) {
		return fmt.Errorf("request.path is not a valid pattern: '%s'", s.Request.Path)
	}
	s.Request.Method = strings.ToUpper(s.Request.Method)

	if s.Response.Status == 0 {
		s.Response.Status = http.StatusOK
	}
	if s.Response.Status < 100 || s.Response.Status > 599 {
		return fmt.Errorf("response.status must be a valid HTTP status, got %d", s.Response.Status)
	}
	if s.Response.DelayMS < 0 {
		return fmt.Errorf("response.delay_ms must not be negative")
	}
	if s.Expect != nil && *s.Expect < 0 {
		return fmt.Errorf("expect must not be negative")
	}

	if s.Response.BodyFile != "" {
		if s.Response.Body != "" {
			return fmt.Errorf("response.body and response.body_file are mutually exclusive")
		}
		bodyPath, err := security.JoinWithin(dir, s.Response.BodyFile)
		if err != nil {
			return fmt.Errorf("response.body_file: %w", err)
		}
		body, err := os.ReadFile(bodyPath)
		if err != nil {
			return fmt.Errorf("failed to read response.body_file: %w", err)
		}
		s.Response.Body = string(body)
	}
	return nil
}

// Matches reports whether r satisfies the stub's request matcher.
func (s *Stub) Matches(r *http.Request) bool {
	if s.Request.Method != "" && s.Request.Method != r.Method {
		return false
	}
	if ok, _ := doublestar.Match(s.Request.Path, r.URL.Path); !ok {
		return false
	}
	query := r.URL.Query()
	for k, v := range s.Request.Query {
		if query.Get(k) != v {
			return false
		}
	}
	for k, v := range s.Request.Headers {
		if r.Header.Get(k) != v {
			return false
		}
	}
	return true
}
