package memory_test

import (
	"sync"
	"testing"
	"time"

	"exchange-service/internal/repository/memory"
	"exchange-service/internal/repository/storetest"
)

func TestExchangeStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Harness {
		var (
			mu  sync.Mutex
			now = storetest.Base
		)
		store := memory.NewExchangeStore(storetest.Options)
		store.NowTimeFunc = func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}
		return storetest.Harness{
			Store: store,
			Advance: func(d time.Duration) {
				mu.Lock()
				now = now.Add(d)
				mu.Unlock()
			},
		}
	})
}
