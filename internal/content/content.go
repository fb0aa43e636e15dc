// Package content renders newsletter markdown into email-ready HTML and
// personalizes it per recipient: tracking pixel, per-link click signatures,
// and the unsubscribe URL.
package content

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/osteele/liquid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	htmlrenderer "github.com/yuin/goldmark/renderer/html"

	"github.com/COSCUP/newsletter/internal/token"
)

// RecipientNamePlaceholder is replaced per recipient at send time.
const RecipientNamePlaceholder = "%recipient_name%"

// defaultRecipientName is used when a subscriber never set a display name.
const defaultRecipientName = "朋友"

var markdownEngine = goldmark.New(
	goldmark.WithExtensions(
		extension.GFM,
		extension.Strikethrough,
		extension.Table,
		extension.Linkify,
	),
	goldmark.WithRendererOptions(
		htmlrenderer.WithUnsafe(),
	),
)

var (
	imgTagRegex  = regexp.MustCompile(`(?is)<img\s+[^>]*>`)
	srcAttrRegex = regexp.MustCompile(`(?is)src\s*=\s*"([^"]*)"`)
	hrefRegex    = regexp.MustCompile(`(?is)href\s*=\s*"([^"]*)"`)
)

// RenderMarkdown converts newsletter markdown to HTML. Raw HTML blocks are
// passed through; sanitization happens separately before archive display.
func RenderMarkdown(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := markdownEngine.Convert([]byte(strings.TrimSpace(markdown)), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return buf.String(), nil
}

// AbsolutizeImageSrcs rewrites relative image sources against baseURL so
// they resolve inside mail clients.
func AbsolutizeImageSrcs(html, baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	return imgTagRegex.ReplaceAllStringFunc(html, func(tag string) string {
		return srcAttrRegex.ReplaceAllStringFunc(tag, func(attr string) string {
			m := srcAttrRegex.FindStringSubmatch(attr)
			src := m[1]
			if src == "" || strings.Contains(src, "://") || strings.HasPrefix(src, "data:") {
				return attr
			}
			if !strings.HasPrefix(src, "/") {
				src = "/" + src
			}
			return `src="` + base + src + `"`
		})
	})
}

// StyleImagesForEmail adds inline sizing to every image tag; mail clients
// ignore stylesheets.
func StyleImagesForEmail(html string) string {
	return imgTagRegex.ReplaceAllStringFunc(html, func(tag string) string {
		if strings.Contains(strings.ToLower(tag), "style=") {
			return tag
		}
		return strings.Replace(tag, "<img ", `<img style="max-width:100%;height:auto" `, 1)
	})
}

var sanitizePolicy = func() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("style").Globally()
	p.AllowAttrs("width", "height").OnElements("img", "table", "td")
	return p
}()

// Sanitize strips dangerous markup for the public archive pages. Outbound
// email uses the unsanitized rendering since its source is the admin.
func Sanitize(html string) string {
	return sanitizePolicy.Sanitize(html)
}

// ReplaceRecipientName substitutes the recipient-name placeholder, falling
// back to a generic greeting for subscribers without a name.
func ReplaceRecipientName(html, name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultRecipientName
	}
	return strings.ReplaceAll(html, RecipientNamePlaceholder, name)
}

// BuildTrackingPixel returns the invisible open-tracking image for one
// recipient. The signature covers ucode and topic with an empty URL.
func BuildTrackingPixel(secretCode, ucode, topic, baseURL string) string {
	hash := token.DeriveTrackingSignature(secretCode, ucode, topic, "")
	q := url.Values{}
	q.Set("ucode", ucode)
	q.Set("topic", topic)
	q.Set("hash", hash)
	src := strings.TrimRight(baseURL, "/") + "/r/o?" + q.Encode()
	return `<img src="` + src + `" width="1" height="1" alt="" style="display:none">`
}

// RewriteLinksForTracking routes every external link through the click
// endpoint, binding the destination URL into the per-link signature so a
// tampered redirect target is rejected. Links into the service itself
// (unsubscribe, manage, tracking) are left untouched.
func RewriteLinksForTracking(html, secretCode, ucode, topic, baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	return hrefRegex.ReplaceAllStringFunc(html, func(attr string) string {
		m := hrefRegex.FindStringSubmatch(attr)
		dest := m[1]
		if !strings.HasPrefix(dest, "http://") && !strings.HasPrefix(dest, "https://") {
			return attr
		}
		if strings.HasPrefix(dest, base+"/") || dest == base {
			return attr
		}
		hash := token.DeriveTrackingSignature(secretCode, ucode, topic, dest)
		q := url.Values{}
		q.Set("ucode", ucode)
		q.Set("topic", topic)
		q.Set("url", dest)
		q.Set("hash", hash)
		return `href="` + base + "/r/c?" + q.Encode() + `"`
	})
}

// Engine wraps the Liquid template engine used to wrap rendered newsletter
// content into a full email body.
type Engine struct {
	liquid *liquid.Engine
}

func NewEngine() *Engine {
	return &Engine{liquid: liquid.NewEngine()}
}

// Bindings are the variables available to newsletter templates.
type Bindings struct {
	Title          string
	Content        string // rendered newsletter HTML
	TrackingPixel  string
	UnsubscribeURL string
	ManageURL      string
	BaseURL        string
	WebURL         string // archive permalink for this issue
}

// Render executes a Liquid template against the bindings, producing the
// final per-recipient email body.
func (e *Engine) Render(templateHTML string, b Bindings) (string, error) {
	out, err := e.liquid.ParseAndRenderString(templateHTML, map[string]any{
		"title":           b.Title,
		"content":         b.Content,
		"tracking_pixel":  b.TrackingPixel,
		"unsubscribe_url": b.UnsubscribeURL,
		"manage_url":      b.ManageURL,
		"base_url":        b.BaseURL,
		"web_url":         b.WebURL,
	})
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}
