// Package content handles rich-text article bodies: pulling embedded base64
// images out into blob storage and sanitising the resulting HTML.
package content

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

var ErrBadDataURI = errors.New("malformed data URI")

// Uploader stores one decoded image and returns the URL that replaces the
// data URI in the document.
type Uploader func(ctx context.Context, data []byte, contentType string) (string, error)

// InlineImage is an image decoded from a data URI.
type InlineImage struct {
	ContentType string
	Data        []byte
}

// ParseDataURI decodes "data:image/<type>;base64,<payload>".
func ParseDataURI(src string) (*InlineImage, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(src), "data:")
	if !ok {
		return nil, ErrBadDataURI
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, ErrBadDataURI
	}
	mediaType, ok := strings.CutSuffix(meta, ";base64")
	if !ok || !strings.HasPrefix(mediaType, "image/") {
		return nil, ErrBadDataURI
	}

	payload = strings.Join(strings.Fields(payload), "")
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadDataURI, err)
		}
	}
	return &InlineImage{ContentType: mediaType, Data: data}, nil
}

func isDataImage(src string) bool {
	return strings.HasPrefix(strings.TrimSpace(src), "data:image/")
}

// ExtractInlineImages uploads every embedded base64 image in html and points
// its src at the uploaded URL. It returns the rewritten document and the URLs
// uploaded so far, also on error, so callers can clean up.
func ExtractInlineImages(ctx context.Context, html string, upload Uploader) (string, []string, error) {
	if !strings.Contains(html, "data:image/") {
		return html, nil, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", nil, fmt.Errorf("parse content: %w", err)
	}

	var (
		uploaded []string
		firstErr error
	)
	doc.Find("img[src]").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		src, _ := img.Attr("src")
		if !isDataImage(src) {
			return true
		}

		inline, err := ParseDataURI(src)
		if err != nil {
			firstErr = err
			return false
		}

		url, err := upload(ctx, inline.Data, inline.ContentType)
		if err != nil {
			firstErr = fmt.Errorf("upload inline image: %w", err)
			return false
		}
		uploaded = append(uploaded, url)
		img.SetAttr("src", url)
		return true
	})
	if firstErr != nil {
		return "", uploaded, firstErr
	}

	out, err := doc.Find("body").Html()
	if err != nil {
		return "", uploaded, fmt.Errorf("render content: %w", err)
	}
	return out, uploaded, nil
}

// ImageURLs lists the distinct non-embedded image sources in html, in
// document order.
func ImageURLs(html string) []string {
	if !strings.Contains(html, "<img") {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	seen := make(map[string]struct{})
	var urls []string
	doc.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
		src := strings.TrimSpace(img.AttrOr("src", ""))
		if src == "" || isDataImage(src) {
			return
		}
		if _, ok := seen[src]; ok {
			return
		}
		seen[src] = struct{}{}
		urls = append(urls, src)
	})
	return urls
}

// Removed returns the URLs in before that are absent from after.
func Removed(before, after []string) []string {
	keep := make(map[string]struct{}, len(after))
	for _, u := range after {
		keep[u] = struct{}{}
	}

	var gone []string
	for _, u := range before {
		if _, ok := keep[u]; !ok {
			gone = append(gone, u)
		}
	}
	return gone
}

var policy = newPolicy()

func newPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").Globally()
	return p
}

// Sanitize strips scripts, event handlers and other unsafe markup.
func Sanitize(html string) string {
	return policy.Sanitize(html)
}
