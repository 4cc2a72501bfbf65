package session

import (
	"encoding/json"
	"sync"

	"github.com/hardline/softphone/internal/softphone/notify"
)

// capture collects everything an emitter delivers, decoded. Read it only
// after closing the emitter.
type capture struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (c *capture) OnEvent(payload []byte) {
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return
	}
	c.mu.Lock()
	c.events = append(c.events, m)
	c.mu.Unlock()
}

func (c *capture) states() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e["state"].(string))
	}
	return out
}

func newCaptureEmitter() (*notify.Emitter, *capture) {
	c := &capture{}
	return notify.NewEmitter(c), c
}
