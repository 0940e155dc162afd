package server

import (
	"context"
	"io"
	"net/http"
	"strings"

	"golang.org/x/net/html"
)

// maxVerifyBytes bounds how much of a claimed page is read during link
// verification.
const maxVerifyBytes = 1 << 20

// verifyLink fetches the claimed URL and reports whether it carries an
// <a rel="me" href="<profileURL>"> back-link. Any fetch or parse failure
// leaves the link unverified.
func (s *Server) verifyLink(ctx context.Context, linkURL, profileURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, linkURL, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Warn("link verification fetch failed", "url", linkURL, "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	return containsRelMeLink(io.LimitReader(resp.Body, maxVerifyBytes), profileURL)
}

func containsRelMeLink(body io.Reader, profileURL string) bool {
	doc, err := html.Parse(body)
	if err != nil {
		return false
	}
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "a" {
			var rel, href string
			for _, attr := range n.Attr {
				switch attr.Key {
				case "rel":
					rel = attr.Val
				case "href":
					href = attr.Val
				}
			}
			if href == profileURL && relContainsMe(rel) {
				return true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	return walk(doc)
}

// relContainsMe matches "me" inside a space-separated rel attribute.
func relContainsMe(rel string) bool {
	for _, v := range strings.Fields(rel) {
		if v == "me" {
			return true
		}
	}
	return false
}
