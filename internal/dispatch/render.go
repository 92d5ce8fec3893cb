package dispatch

import (
	"crypto/md5"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"
)

// Renderer renders Liquid templates with subscriber variables. Parsed
// templates are cached by content hash so repeated sends of the same
// template skip the parse.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewRenderer creates a renderer with the personalization filters email
// templates rely on.
func NewRenderer() *Renderer {
	engine := liquid.NewEngine()

	// {{ first_name | default: "Friend" }}
	engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// {{ name | capitalize }}
	engine.RegisterFilter("capitalize", func(s string) string {
		if len(s) == 0 {
			return s
		}
		return strings.ToUpper(string(s[0])) + strings.ToLower(s[1:])
	})

	// {{ link | urlencode }}
	engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	return &Renderer{engine: engine}
}

// Render evaluates a template source against the given bindings. A parse
// error means the template itself is broken; render errors are returned
// as-is for the caller to classify.
func (r *Renderer) Render(source string, bindings map[string]interface{}) (string, error) {
	tmpl, err := r.parse(source)
	if err != nil {
		return "", err
	}
	out, err := tmpl.RenderString(bindings)
	if err != nil {
		return "", err
	}
	return out, nil
}

func (r *Renderer) parse(source string) (*liquid.Template, error) {
	key := fmt.Sprintf("%x", md5.Sum([]byte(source)))
	if cached, ok := r.cache.Load(key); ok {
		return cached.(*liquid.Template), nil
	}
	tmpl, err := r.engine.ParseString(source)
	if err != nil {
		return nil, fmt.Errorf("template parse: %w", err)
	}
	r.cache.Store(key, tmpl)
	return tmpl, nil
}
