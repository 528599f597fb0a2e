package bus

import (
	"io"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// startTestBroker spins up an embedded NATS server for the duration
// of the test, standing in for the external broker the bus package
// connects to in production.
func startTestBroker(t *testing.T) (host string, port int) {
	t.Helper()

	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1, // let the OS pick a free port
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("start embedded broker: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(2 * time.Second) {
		t.Fatal("embedded broker never became ready")
	}
	t.Cleanup(ns.Shutdown)

	u, err := url.Parse(ns.ClientURL())
	if err != nil {
		t.Fatalf("parse broker url: %v", err)
	}
	p, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parse broker port: %v", err)
	}

	return u.Hostname(), p
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestConnectSubscribePublish(t *testing.T) {
	host, port := startTestBroker(t)

	b, err := Connect(Config{Host: host, Port: port}, testLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer b.Close()

	var mu sync.Mutex
	var received []byte
	done := make(chan struct{})

	if err := b.Subscribe("site/front_door/detections", func(data []byte) {
		mu.Lock()
		received = data
		mu.Unlock()
		close(done)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := b.Publish("site/front_door/detections", []byte(`{"timestamp":123}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(received) != `{"timestamp":123}` {
		t.Errorf("received = %s", received)
	}
}

func TestConnectUnreachableBroker(t *testing.T) {
	_, err := Connect(Config{Host: "127.0.0.1", Port: 1}, testLogger())
	if err == nil {
		t.Fatal("expected connect error for unreachable broker")
	}
}
