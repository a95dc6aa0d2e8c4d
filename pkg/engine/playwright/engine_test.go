package playwright

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/pagebrowse/pkg/engine"
)

func TestValidBrowser(t *testing.T) {
	for _, name := range []string{"", Chromium, Firefox, WebKit} {
		assert.True(t, ValidBrowser(name), name)
	}
	assert.False(t, ValidBrowser("netscape"))
}

func TestScriptOutput(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{name: "undefined", value: nil, want: ""},
		{name: "number", value: 2, want: "2"},
		{name: "string", value: "Example Domain", want: `"Example Domain"`},
		{name: "object", value: map[string]interface{}{"foo": "bar"}, want: `{"foo":"bar"}`},
		{name: "array", value: []interface{}{true, 1.5}, want: `[true,1.5]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := scriptOutput(tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := scriptOutput(make(chan int))
	assert.Error(t, err)
}

func TestWindowIDFrom(t *testing.T) {
	id, err := windowIDFrom(map[string]interface{}{"windowId": float64(12), "bounds": map[string]interface{}{}})
	require.NoError(t, err)
	assert.Equal(t, 12, id)

	_, err = windowIDFrom(map[string]interface{}{"bounds": nil})
	assert.Error(t, err)

	_, err = windowIDFrom("12")
	assert.Error(t, err)
}

func TestNew_RejectsUnknownBrowser(t *testing.T) {
	_, err := New(Config{Browser: "netscape"})
	assert.Error(t, err)
}

func TestEngine_Headless(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	eng, err := New(Config{})
	if err != nil {
		t.Skipf("playwright unavailable: %v", err)
	}
	defer eng.Close()

	ctx := context.Background()
	script := "window.__ready = 'yes'"
	h, err := eng.Create(ctx, 0, engine.Options{InitScript: &script})
	require.NoError(t, err)
	assert.Equal(t, 0, h.Slot())

	const url = "data:text/html,<title>pagebrowse</title><h1>hello</h1>"
	require.NoError(t, eng.LoadURL(h, url))

	deadline := time.After(30 * time.Second)
	for finished := false; !finished; {
		select {
		case ev := <-eng.Events():
			require.NotEqual(t, engine.PageLoadFailed, ev.Kind, "load failed: %v", ev.Err)
			finished = ev.Kind == engine.PageLoadFinish && ev.URL == url
		case <-deadline:
			t.Fatal("page never finished loading")
		}
	}

	type scriptResult struct {
		out string
		err error
	}
	results := make(chan scriptResult, 1)
	require.NoError(t, eng.RunScript(h, "[document.title, window.__ready]", func(out string, err error) {
		results <- scriptResult{out, err}
	}))
	res := <-results
	require.NoError(t, res.err)
	assert.Equal(t, `["pagebrowse","yes"]`, res.out)

	images := make(chan []byte, 1)
	require.NoError(t, eng.CaptureImage(h, func(data []byte, err error) {
		assert.NoError(t, err)
		images <- data
	}))
	assert.NotEmpty(t, <-images)

	require.NoError(t, eng.Resize(h, 800, 600))
	assert.ErrorIs(t, eng.Reposition(h, 0, 0), engine.ErrUnsupported)
}
