package bolt

import (
	"path/filepath"
	"testing"

	"meow.tf/websubsub/store"
	"meow.tf/websubsub/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New(filepath.Join(t.TempDir(), "websubsub.db"))

		if err != nil {
			t.Fatalf("open bolt: %v", err)
		}

		t.Cleanup(func() { s.Close() })

		return s
	})
}
