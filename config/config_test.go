package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnv(t *testing.T) {
	app, err := FromEnv([]string{
		"PATH=/usr/bin",
		"WEBSUBSUB_SITE_URL=https://sub.example",
		"WEBSUBSUB_VERIFY_WAIT_TIME=30s",
		"WEBSUBSUB_MAX_CONNECT_RETRIES=5",
		"WEBSUBSUB_AUTOFIX_URLS=true",
		"WEBSUBSUB_STORE=memory",
		"WEBSUBSUB_STORE_DSN=",
	})

	if err != nil {
		t.Fatalf("from env: %v", err)
	}

	if app.SiteURL != "https://sub.example" || app.VerifyWaitTime != 30*time.Second {
		t.Fatalf("unexpected config: %+v", app)
	}

	if app.MaxConnectRetries != 5 || !app.AutofixURLs || app.Store != "memory" {
		t.Fatalf("unexpected config: %+v", app)
	}

	// Untouched values keep their defaults.
	if app.MaxHubErrorRetries != 2 || app.RefreshLookahead != 24*time.Hour || app.Listen != ":8080" {
		t.Fatalf("defaults lost: %+v", app)
	}
}

func TestFromEnvInvalid(t *testing.T) {
	cases := map[string][]string{
		"MissingSiteURL": {},
		"BadStore":       {"WEBSUBSUB_SITE_URL=https://sub.example", "WEBSUBSUB_STORE=mongo"},
		"BadDuration":    {"WEBSUBSUB_SITE_URL=https://sub.example", "WEBSUBSUB_VERIFY_WAIT_TIME=soon"},
		"AsynqNoRedis":   {"WEBSUBSUB_SITE_URL=https://sub.example", "WEBSUBSUB_QUEUE=asynq"},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := FromEnv(env); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadStatic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "static.yaml")

	data := `routes:
  news: /websub/news/{id}
subscriptions:
  - hub: http://hub.example
    topic: http://blog.example/feed
    callback: news
  - topic: http://other.example/feed
    callback: news
`

	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	static, err := LoadStatic(path)

	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if static.Routes["news"] != "/websub/news/{id}" || len(static.Subscriptions) != 2 {
		t.Fatalf("unexpected static: %+v", static)
	}

	if sub := static.Subscriptions[1]; sub.HubURL != "" || sub.CallbackIdentity != "news" {
		t.Fatalf("unexpected subscription: %+v", sub)
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("subscriptions:\n  - topic: x\n    callback: missing\n"), 0o600)

	if _, err := LoadStatic(bad); err == nil {
		t.Fatalf("expected unknown callback error")
	}
}
