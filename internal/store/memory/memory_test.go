package memory_test

import (
	"testing"

	"github.com/omochice/json-socket-chat/internal/store"
	"github.com/omochice/json-socket-chat/internal/store/memory"
	"github.com/omochice/json-socket-chat/internal/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return memory.New()
	})
}
