package websubsub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"meow.tf/websubsub/model"
)

func TestDiscoverLinkHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Link", `<https://hub.example/>; rel="hub", <https://blog.example/feed>; rel="self"`)
		w.Write([]byte(`<html><head><link rel="hub" href="https://ignored.example/"></head></html>`))
	}))
	defer srv.Close()

	links, err := Discover(context.Background(), srv.Client(), srv.URL)

	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	if links.Hub != "https://hub.example/" || links.Self != "https://blog.example/feed" {
		t.Fatalf("unexpected links: %+v", links)
	}
}

func TestDiscoverDocument(t *testing.T) {
	docs := map[string]string{
		"HTML": `<html><head><link rel="alternate" href="/feed"><link rel="hub" href="/hub"></head></html>`,
		"Atom": `<?xml version="1.0"?><feed xmlns="http://www.w3.org/2005/Atom"><link rel="hub" href="/hub"/><title>x</title></feed>`,
		"RSS": `<?xml version="1.0"?><rss xmlns:atom="http://www.w3.org/2005/Atom"><channel>` +
			`<atom:link rel="hub" href="/hub"/><title>x</title></channel></rss>`,
	}

	for name, doc := range docs {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(doc))
			}))
			defer srv.Close()

			links, err := Discover(context.Background(), srv.Client(), srv.URL+"/feed")

			if err != nil {
				t.Fatalf("discover: %v", err)
			}

			if links.Hub != srv.URL+"/hub" {
				t.Fatalf("expected %s/hub, got %q", srv.URL, links.Hub)
			}
		})
	}
}

func TestDiscoverNoHub(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><title>nothing</title></head></html>`))
	}))
	defer srv.Close()

	if _, err := Discover(context.Background(), srv.Client(), srv.URL); !errors.Is(err, ErrHubNotFound) {
		t.Fatalf("expected hub not found, got %v", err)
	}
}

func TestCreateDiscoversHub(t *testing.T) {
	f := newFixture(t)
	f.sub.discovery = true
	f.sub.httpClient = defaultHTTPClient(time.Second)

	topic := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Link", `<`+f.hub.URL+`>; rel="hub"`)
	}))
	defer topic.Close()

	sub, err := f.sub.Create(context.Background(), model.CreateRequest{
		Topic:            topic.URL,
		CallbackIdentity: "news",
	})

	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if sub.HubURL != f.hub.URL {
		t.Fatalf("expected discovered hub %s, got %s", f.hub.URL, sub.HubURL)
	}
}
