package events

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestBus_PublishDelivers(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan Event, 1)
	bus.Subscribe(EventAssigned, func(ev Event) {
		received <- ev
	})

	bus.Publish(EventAssigned, map[string]interface{}{"user": "alice"})

	select {
	case ev := <-received:
		if ev.Type != EventAssigned {
			t.Errorf("type = %q", ev.Type)
		}
		if ev.Data["user"] != "alice" {
			t.Errorf("data = %v", ev.Data)
		}
		if ev.Timestamp.IsZero() {
			t.Error("timestamp not set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_TypeIsolation(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan Event, 1)
	bus.Subscribe(EventSaved, func(ev Event) {
		received <- ev
	})

	bus.Publish(EventAssigned, map[string]interface{}{"user": "alice"})

	select {
	case ev := <-received:
		t.Fatalf("subscriber got event of another type: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan Event, 1)
	unsubscribe := bus.Subscribe(EventDrawback, func(ev Event) {
		received <- ev
	})
	unsubscribe()

	bus.Publish(EventDrawback, nil)

	select {
	case <-received:
		t.Fatal("unsubscribed subscriber got event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBus_SubscriberPanicDoesNotKillBus(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan Event, 2)
	bus.Subscribe(EventReverted, func(ev Event) {
		if ev.Data["boom"] == true {
			panic("subscriber failure")
		}
		received <- ev
	})

	bus.Publish(EventReverted, map[string]interface{}{"boom": true})
	bus.Publish(EventReverted, map[string]interface{}{"boom": false})

	select {
	case ev := <-received:
		if ev.Data["boom"] != false {
			t.Errorf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bus stopped delivering after subscriber panic")
	}
}

func TestAuditLogger_RecordWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "events"+LogFileExtension)

	logger, err := NewAuditLogger(logPath, 0)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	defer logger.Close()

	err = logger.Record(Event{
		Type:      EventAssigned,
		Timestamp: time.Now().UTC(),
		Data: map[string]interface{}{
			"user":       "alice",
			"domain":     "sam",
			"video_path": "videos/sam/v1.mp4",
			"round":      0,
		},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if logger.Written() != 1 {
		t.Errorf("written = %d", logger.Written())
	}

	f, err := os.Open(logPath)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("log file empty")
	}
	var entry LogEntry
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("parse entry: %v", err)
	}
	if entry.EventType != string(EventAssigned) {
		t.Errorf("event_type = %q", entry.EventType)
	}
	if entry.User != "alice" || entry.Domain != "sam" || entry.VideoPath != "videos/sam/v1.mp4" {
		t.Errorf("identity fields: %+v", entry)
	}
}

func TestAuditLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "events"+LogFileExtension)

	// Tiny cap so the second entry forces a rotation.
	logger, err := NewAuditLogger(logPath, 150)
	if err != nil {
		t.Fatalf("NewAuditLogger: %v", err)
	}
	defer logger.Close()

	for i := 0; i < 3; i++ {
		err := logger.Record(Event{
			Type:      EventSaved,
			Timestamp: time.Now().UTC(),
			Data:      map[string]interface{}{"user": "alice", "video_path": "videos/sam/v1.mp4"},
		})
		if err != nil {
			t.Fatalf("Record %d: %v", i, err)
		}
	}

	archives, err := os.ReadDir(filepath.Join(dir, ArchiveDir))
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	if len(archives) == 0 {
		t.Error("no archived log files after exceeding the size cap")
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("active log file missing after rotation: %v", err)
	}
}
