package tools

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebpageToolConvertsToMarkdown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "Mozilla")
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><body><h1>Title</h1><p>Some <strong>bold</strong> text.</p></body></html>`))
	}))
	defer server.Close()

	res := NewWebpageTool(nil).Execute(t.Context(), map[string]interface{}{"url": server.URL})
	require.False(t, res.IsError, res.ForLLM)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.ForLLM), &out))
	content := out["content"].(string)
	assert.Contains(t, content, "# Title")
	assert.Contains(t, content, "**bold**")
	assert.Equal(t, "", out["fallback"])
}

func TestWebpageToolDropsPageChrome(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><style>p{color:red}</style></head><body>
<header>Site header</header><nav><a href="/a">Menu link</a></nav>
<main><p>The article body.</p></main>
<aside>Related posts</aside><footer>Copyright footer</footer>
<script>trackVisitor()</script></body></html>`))
	}))
	defer server.Close()

	res := NewWebpageTool(nil).Execute(t.Context(), map[string]interface{}{"url": server.URL})
	require.False(t, res.IsError, res.ForLLM)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.ForLLM), &out))
	content := out["content"].(string)
	assert.Contains(t, content, "The article body.")
	for _, chrome := range []string{"Site header", "Menu link", "Related posts", "Copyright footer", "trackVisitor", "color:red"} {
		assert.NotContains(t, content, chrome)
	}
}

func TestWebpageToolTruncates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<p>" + strings.Repeat("word ", 100) + "</p>"))
	}))
	defer server.Close()

	res := NewWebpageTool(nil).Execute(t.Context(), map[string]interface{}{"url": server.URL, "max_length": float64(20)})
	require.False(t, res.IsError)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.ForLLM), &out))
	assert.Equal(t, float64(23), out["length"])
}

func TestWebpageToolRejectsBadInput(t *testing.T) {
	res := NewWebpageTool(nil).Execute(t.Context(), map[string]interface{}{"url": "ftp://example.com"})
	assert.True(t, res.IsError)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()
	res = NewWebpageTool(nil).Execute(t.Context(), map[string]interface{}{"url": server.URL})
	assert.True(t, res.IsError)
	assert.Contains(t, res.ForLLM, "404")
}
