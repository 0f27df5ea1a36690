package websubsub

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
	"github.com/tomnomnom/linkheader"
)

var (
	ErrHubNotFound = errors.New("topic does not advertise a hub")
)

// maxDiscoveryBody caps how much of a topic document is parsed for links.
const maxDiscoveryBody = 1 << 20

// Links are the WebSub links a topic advertises.
type Links struct {
	Hub  string
	Self string
}

// Discover fetches topic and returns the hub and self links it advertises.
// Link headers take precedence; the document is only parsed when they carry no hub.
func Discover(ctx context.Context, client *http.Client, topic string) (*Links, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, topic, nil)

	if err != nil {
		return nil, err
	}

	res, err := client.Do(req)

	if err != nil {
		return nil, err
	}

	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, errors.Errorf("topic %s returned %d", topic, res.StatusCode)
	}

	links := &Links{}

	header := linkheader.ParseMultiple(res.Header.Values("Link"))

	if hubs := header.FilterByRel("hub"); len(hubs) > 0 {
		links.Hub = hubs[0].URL
	}

	if self := header.FilterByRel("self"); len(self) > 0 {
		links.Self = self[0].URL
	}

	if links.Hub == "" {
		doc, err := goquery.NewDocumentFromReader(io.LimitReader(res.Body, maxDiscoveryBody))

		if err != nil {
			return nil, errors.Wrap(err, "parse topic")
		}

		links.Hub = findLink(doc, "hub")

		if links.Self == "" {
			links.Self = findLink(doc, "self")
		}
	}

	if links.Hub == "" {
		return nil, ErrHubNotFound
	}

	base := res.Request.URL

	links.Hub = absolute(base, links.Hub)

	if links.Self != "" {
		links.Self = absolute(base, links.Self)
	}

	return links, nil
}

// findLink looks for rel in HTML link tags, Atom feeds and atom:link elements in RSS.
func findLink(doc *goquery.Document, rel string) string {
	sel := doc.Find("link[rel~=" + rel + "], atom\\:link[rel~=" + rel + "]").First()

	href, _ := sel.Attr("href")

	return strings.TrimSpace(href)
}

func absolute(base *url.URL, ref string) string {
	u, err := url.Parse(ref)

	if err != nil {
		return ref
	}

	return base.ResolveReference(u).String()
}
