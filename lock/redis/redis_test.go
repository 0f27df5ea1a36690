package redis

import (
	"errors"
	"testing"
	"time"

	"github.com/go-redsync/redsync/v4"
	goredislib "github.com/redis/go-redis/v9"
)

func TestIsTaken(t *testing.T) {
	taken := []error{
		redsync.ErrFailed,
		&redsync.ErrTaken{Nodes: []int{0}},
		&redsync.ErrNodeTaken{Node: 0},
	}

	for _, err := range taken {
		if !isTaken(err) {
			t.Errorf("expected %v to mean taken", err)
		}
	}

	if isTaken(errors.New("dial tcp: connection refused")) {
		t.Errorf("connection failure reported as taken")
	}
}

func TestOptions(t *testing.T) {
	client := goredislib.NewClient(&goredislib.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	l := New(client, WithExpiry(5*time.Second), WithRetryDelay(time.Second), WithPrefix("test:"))

	if l.expiry != 5*time.Second || l.retryDelay != time.Second || l.prefix != "test:" {
		t.Fatalf("options not applied: %+v", l)
	}
}
