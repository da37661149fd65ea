package redis

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"blast/internal/store"
	"blast/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.CampaignStore {
		mr, err := miniredis.Run()
		if err != nil {
			t.Fatalf("failed to start miniredis: %v", err)
		}
		t.Cleanup(mr.Close)

		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		s := New(client, "test")
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
