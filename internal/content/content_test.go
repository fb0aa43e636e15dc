package content_test

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/COSCUP/newsletter/internal/content"
	"github.com/COSCUP/newsletter/internal/token"
)

func TestRenderMarkdown(t *testing.T) {
	html, err := content.RenderMarkdown("# Hello\n\nSee ~~old~~ [site](https://coscup.org).\n\n| a | b |\n|---|---|\n| 1 | 2 |")
	require.NoError(t, err)
	assert.Contains(t, html, "<h1>Hello</h1>")
	assert.Contains(t, html, "<del>old</del>")
	assert.Contains(t, html, `<a href="https://coscup.org">site</a>`)
	assert.Contains(t, html, "<table>")
}

func TestAbsolutizeImageSrcs(t *testing.T) {
	in := `<p><img src="/img/banner.png" alt="x"> <img src="https://cdn.example/a.png"></p>`
	out := content.AbsolutizeImageSrcs(in, "https://newsletter.coscup.org/")
	assert.Contains(t, out, `src="https://newsletter.coscup.org/img/banner.png"`)
	assert.Contains(t, out, `src="https://cdn.example/a.png"`)
}

func TestStyleImagesForEmail(t *testing.T) {
	out := content.StyleImagesForEmail(`<img src="a.png"> <img style="width:10px" src="b.png">`)
	assert.Contains(t, out, `<img style="max-width:100%;height:auto" src="a.png">`)
	assert.Contains(t, out, `<img style="width:10px" src="b.png">`)
}

func TestSanitizeStripsScript(t *testing.T) {
	out := content.Sanitize(`<p onclick="x()">hi</p><script>alert(1)</script><img src="a.png" style="max-width:100%">`)
	assert.NotContains(t, out, "script")
	assert.NotContains(t, out, "onclick")
	assert.Contains(t, out, "<p>hi</p>")
	assert.Contains(t, out, "style=")
}

func TestReplaceRecipientName(t *testing.T) {
	assert.Equal(t, "Hi Ada!", content.ReplaceRecipientName("Hi %recipient_name%!", "Ada"))
	assert.Equal(t, "Hi 朋友!", content.ReplaceRecipientName("Hi %recipient_name%!", "  "))
}

func TestBuildTrackingPixel(t *testing.T) {
	secret := token.GenerateSecretCode()
	pixel := content.BuildTrackingPixel(secret, "a1b2c3d4e5f60718", "2026-08", "https://newsletter.coscup.org")

	assert.Contains(t, pixel, `/r/o?`)
	assert.Contains(t, pixel, "ucode=a1b2c3d4e5f60718")

	want := token.DeriveTrackingSignature(secret, "a1b2c3d4e5f60718", "2026-08", "")
	assert.Contains(t, pixel, "hash="+want)
}

func TestRewriteLinksForTracking(t *testing.T) {
	secret := token.GenerateSecretCode()
	base := "https://newsletter.coscup.org"
	in := `<a href="https://coscup.org/2026/">reg</a> ` +
		`<a href="` + base + `/manage/abc">manage</a> ` +
		`<a href="mailto:hi@coscup.org">mail</a>`

	out := content.RewriteLinksForTracking(in, secret, "a1b2c3d4e5f60718", "2026-08", base)

	// Internal and non-http links untouched.
	assert.Contains(t, out, `href="`+base+`/manage/abc"`)
	assert.Contains(t, out, `href="mailto:hi@coscup.org"`)

	// External link routed through the click endpoint with a valid signature.
	assert.NotContains(t, out, `href="https://coscup.org/2026/"`)
	start := strings.Index(out, base+"/r/c?")
	require.GreaterOrEqual(t, start, 0)
	end := strings.Index(out[start:], `"`)
	u, err := url.Parse(out[start : start+end])
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "https://coscup.org/2026/", q.Get("url"))
	assert.True(t, token.VerifyTrackingSignature(secret, q.Get("ucode"), q.Get("topic"), q.Get("url"), q.Get("hash")))
}

func TestEngineRender(t *testing.T) {
	e := content.NewEngine()
	out, err := e.Render(
		`<html><body><h1>{{ title }}</h1>{{ content }}<a href="{{ unsubscribe_url }}">bye</a>{{ tracking_pixel }}</body></html>`,
		content.Bindings{
			Title:          "August Issue",
			Content:        "<p>hello</p>",
			UnsubscribeURL: "https://newsletter.coscup.org/unsubscribe/abc",
			TrackingPixel:  `<img src="px">`,
		})
	require.NoError(t, err)
	assert.Contains(t, out, "<h1>August Issue</h1>")
	assert.Contains(t, out, "<p>hello</p>")
	assert.Contains(t, out, `href="https://newsletter.coscup.org/unsubscribe/abc"`)
	assert.Contains(t, out, `<img src="px">`)
}

func TestEngineRenderBadTemplate(t *testing.T) {
	e := content.NewEngine()
	_, err := e.Render(`{% if %}`, content.Bindings{})
	assert.Error(t, err)
}
