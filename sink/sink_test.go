package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/maxpert/sluice/cfg"
	"github.com/segmentio/kafka-go"
)

func TestRegisteredTypes(t *testing.T) {
	types := Types()
	want := []string{"kafka", "map", "nats"}
	if len(types) != len(want) {
		t.Fatalf("expected types %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("expected type %s at %d, got %s", want[i], i, types[i])
		}
	}
}

func TestOpenUnknownType(t *testing.T) {
	_, err := Open(cfg.SinkConfiguration{Type: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown sink type")
	}
}

func TestOpenMapIsInstrumented(t *testing.T) {
	s, err := Open(cfg.SinkConfiguration{Type: "map"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer s.Close()

	metered, ok := s.(*meteredSink)
	if !ok {
		t.Fatalf("expected instrumented sink, got %T", s)
	}
	if _, ok := metered.Unwrap().(*MapSink); !ok {
		t.Errorf("expected MapSink inside, got %T", metered.Unwrap())
	}
	if err := s.Put(context.Background(), "k", []byte("v")); err != nil {
		t.Errorf("unexpected put error: %v", err)
	}
}

func TestMapSink_PutIsUpsert(t *testing.T) {
	m := NewMapSink()
	ctx := context.Background()

	m.Put(ctx, "1001/0", []byte("INSERT"))
	m.Put(ctx, "1001/0", []byte("INSERT"))
	m.Put(ctx, "1001/1", []byte("UPDATE"))

	if m.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", m.Len())
	}
	if v, ok := m.Get("1001/1"); !ok || string(v) != "UPDATE" {
		t.Errorf("expected UPDATE for 1001/1, got %q", v)
	}
	if len(m.Writes()) != 3 {
		t.Errorf("expected 3 recorded writes, got %d", len(m.Writes()))
	}
	keys := m.Keys()
	if keys[0] != "1001/0" || keys[1] != "1001/1" {
		t.Errorf("expected sorted keys, got %v", keys)
	}
}

func TestMapSink_NilDeletes(t *testing.T) {
	m := NewMapSink()
	ctx := context.Background()

	m.Put(ctx, "k", []byte("v"))
	m.Put(ctx, "k", nil)

	if _, ok := m.Get("k"); ok {
		t.Error("expected nil value to delete the key")
	}
	if len(m.Writes()) != 2 {
		t.Errorf("expected tombstone to be recorded, got %d writes", len(m.Writes()))
	}
}

func TestMapSink_CopiesValues(t *testing.T) {
	m := NewMapSink()
	buf := []byte("first")
	m.Put(context.Background(), "k", buf)
	copy(buf, "xxxxx")

	if v, _ := m.Get("k"); string(v) != "first" {
		t.Errorf("expected stored value to be isolated from caller buffer, got %q", v)
	}
}

func TestMapSink_Errors(t *testing.T) {
	m := NewMapSink()
	m.PutErr = errors.New("boom")
	if err := m.Put(context.Background(), "k", []byte("v")); err == nil {
		t.Error("expected injected error")
	}

	m.PutErr = nil
	m.Close()
	if err := m.Put(context.Background(), "k", []byte("v")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMapSink_Reset(t *testing.T) {
	m := NewMapSink()
	m.Put(context.Background(), "k", []byte("v"))
	m.Reset()
	if m.Len() != 0 || len(m.Writes()) != 0 {
		t.Error("expected reset to clear contents and history")
	}
}

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"}, "orders")

	if len(config.Brokers) != 2 {
		t.Errorf("expected 2 brokers, got %d", len(config.Brokers))
	}
	if config.Topic != "orders" {
		t.Errorf("expected topic orders, got %s", config.Topic)
	}
	if config.BatchSize != 100 {
		t.Errorf("expected batch size 100, got %d", config.BatchSize)
	}
	if config.BatchBytes != 1048576 {
		t.Errorf("expected batch bytes 1048576, got %d", config.BatchBytes)
	}
	if config.RequiredAcks != kafka.RequireAll {
		t.Errorf("expected RequireAll acks, got %v", config.RequiredAcks)
	}
}

func TestNewKafkaSink(t *testing.T) {
	sink, err := NewKafkaSink(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "orders",
		BatchSize:    50,
		BatchBytes:   2048,
		RequiredAcks: kafka.RequireOne,
	})
	if err != nil {
		t.Fatalf("unexpected error creating sink: %v", err)
	}
	defer sink.Close()

	if sink.writer.BatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", sink.writer.BatchSize)
	}
	if sink.writer.BatchTimeout != DefaultKafkaBatchTimeout {
		t.Errorf("expected default batch timeout, got %v", sink.writer.BatchTimeout)
	}
	if _, ok := sink.writer.Balancer.(*kafka.Hash); !ok {
		t.Errorf("expected hash balancer, got %T", sink.writer.Balancer)
	}
	if sink.writer.Async {
		t.Error("expected synchronous writes")
	}
}

func TestNewKafkaSinkValidation(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{Topic: "orders"}); err == nil {
		t.Error("expected error for empty brokers")
	}
	if _, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("expected error for empty topic")
	}
}

func TestNatsMessageID(t *testing.T) {
	a := messageID("1001/0", []byte("INSERT"))
	if a != messageID("1001/0", []byte("INSERT")) {
		t.Error("expected message id to be stable")
	}
	if a == messageID("1001/0", []byte("UPDATE")) {
		t.Error("expected message id to depend on the value")
	}
	if a == messageID("1002/0", []byte("INSERT")) {
		t.Error("expected message id to depend on the key")
	}
}

func TestSanitizeStreamName(t *testing.T) {
	tests := map[string]string{
		"sluice.output":   "sluice_output",
		"cdc.*.customers": "cdc___customers",
		"plain":           "plain",
	}
	for in, want := range tests {
		if got := sanitizeStreamName(in); got != want {
			t.Errorf("sanitizeStreamName(%q) = %q, want %q", in, got, want)
		}
	}
}
