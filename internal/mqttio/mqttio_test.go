package mqttio

import (
	"sync"
	"testing"

	"github.com/pidicon/pidicon/internal/command"
	"github.com/pidicon/pidicon/internal/config"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	cmds []command.Command
}

func (f *fakeDispatcher) Handle(cmd command.Command) error {
	f.mu.Lock()
	f.cmds = append(f.cmds, cmd)
	f.mu.Unlock()
	return nil
}

func (f *fakeDispatcher) all() []command.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]command.Command(nil), f.cmds...)
}

func newTestClient(d Dispatcher) *Client {
	return New(config.MQTTConfig{
		BrokerURL: "tcp://127.0.0.1:1883",
		Prefix:    "pixoo",
		ClientID:  "test",
	}, d, nil)
}

func TestHandleMessageDispatchesCommand(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestClient(d)

	c.handleMessage("pixoo/192.168.1.100/scene/set",
		[]byte(`{"name":"clock","payload":{"color":"#FF0000"}}`))

	cmds := d.all()
	if len(cmds) != 1 {
		t.Fatalf("dispatched %d commands, want 1", len(cmds))
	}
	cmd := cmds[0]
	if cmd.DeviceID != "192.168.1.100" || cmd.Section != "scene" || cmd.Action != "set" {
		t.Errorf("command = %+v", cmd)
	}
	if cmd.Payload["name"] != "clock" {
		t.Errorf("payload = %v", cmd.Payload)
	}
	if cmd.Source != "bus" {
		t.Errorf("source = %q, want bus", cmd.Source)
	}
}

func TestHandleMessageEmptyPayload(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestClient(d)

	c.handleMessage("pixoo/d1/scene/stop", nil)
	if len(d.all()) != 1 {
		t.Fatal("empty-payload command not dispatched")
	}
}

func TestHandleMessageDropsInvalid(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestClient(d)

	// Own response/broadcast topics and garbage are dropped, never
	// dispatched.
	for _, topic := range []string{
		"pixoo/d1/ok",
		"pixoo/d1/error",
		"pixoo/d1/scene/state",
		"other/d1/scene/set",
		"pixoo/d1/unknown/set",
	} {
		c.handleMessage(topic, []byte(`{}`))
	}
	if n := len(d.all()); n != 0 {
		t.Errorf("dispatched %d commands from invalid topics", n)
	}
}

func TestHandleMessageMalformedJSON(t *testing.T) {
	d := &fakeDispatcher{}
	c := newTestClient(d)

	c.handleMessage("pixoo/d1/scene/set", []byte(`{not json`))
	if len(d.all()) != 0 {
		t.Error("malformed payload was dispatched")
	}
}
