package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/lexiqai/transcriber/internal/config"
	"github.com/lexiqai/transcriber/internal/recording"
)

func startNATS(t *testing.T) *server.Server {
	t.Helper()
	ns, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: server.RANDOM_PORT, NoLog: true, NoSigs: true})
	if err != nil {
		t.Fatalf("Failed to create NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(ns.Shutdown)
	return ns
}

func TestNATSPublisher(t *testing.T) {
	ns := startNATS(t)

	pub, err := Connect(ns.ClientURL(), "test")
	if err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	defer pub.Close()
	if !pub.Healthy() {
		t.Fatal("Expected healthy connection")
	}

	sub, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("Subscriber connect failed: %v", err)
	}
	defer sub.Close()

	msgs := make(chan *nats.Msg, 8)
	if _, err := sub.ChanSubscribe("test.>", msgs); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := sub.Flush(); err != nil {
		t.Fatal(err)
	}

	start, end := int64(0), int64(1200)
	pub.PublishSegment(SegmentEvent{RecordingID: "rec-1", Text: "Hello world.", StartMs: &start, EndMs: &end, At: time.Now()})
	pub.PublishSync(SyncEvent{RecordingID: "rec-1", Status: recording.SyncStatus{State: recording.SyncSuccess, RemoteIdentifiers: []string{"kb-1"}}})
	pub.PublishSession(SessionEvent{RecordingID: "rec-1", State: "streaming"})
	if err := pub.Flush(time.Second); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	wantSubjects := []string{"test.segment.rec-1", "test.sync.rec-1", "test.session.rec-1"}
	for i, want := range wantSubjects {
		select {
		case msg := <-msgs:
			if msg.Subject != want {
				t.Errorf("Message %d: expected subject %s, got %s", i, want, msg.Subject)
			}
			if i == 0 {
				var evt SegmentEvent
				if err := json.Unmarshal(msg.Data, &evt); err != nil || evt.Text != "Hello world." || *evt.EndMs != 1200 {
					t.Errorf("Unexpected segment event %s (%v)", msg.Data, err)
				}
			}
			if i == 1 {
				var evt SyncEvent
				if err := json.Unmarshal(msg.Data, &evt); err != nil || evt.Status.State != recording.SyncSuccess {
					t.Errorf("Unexpected sync event %s (%v)", msg.Data, err)
				}
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out waiting for %s", want)
		}
	}
}

func TestFromConfig_Disabled(t *testing.T) {
	pub, err := FromConfig(&config.Config{})
	if err != nil {
		t.Fatalf("FromConfig() failed: %v", err)
	}
	if _, ok := pub.(Nop); !ok {
		t.Errorf("Expected Nop publisher, got %T", pub)
	}
	pub.PublishSegment(SegmentEvent{})
	pub.Close()
}

func TestConnect_NoURL(t *testing.T) {
	if _, err := Connect("", ""); err == nil {
		t.Error("Expected error without URL")
	}
}
