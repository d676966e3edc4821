package beats

import (
	"context"
	"time"
)

// Reports a stream still open as interrupted, then closes the connection
func (mod *OutModule) Shutdown() (err error) {
	if mod == nil || mod.sink == nil {
		return
	}
	mod.mu.Lock()
	defer mod.mu.Unlock()

	if mod.stream.open {
		err = mod.send(context.Background(), mod.summaryFields(time.Now(), nil, true))
		mod.stream = streamInfo{}
	}
	if closeErr := mod.sink.Close(); err == nil {
		err = closeErr
	}
	return
}
