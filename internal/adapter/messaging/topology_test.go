package messaging

import (
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

type recordingDeclarer struct {
	exchanges map[string]string
	queues    map[string]amqp.Table
	bindings  []string
	failBind  error
}

func newRecordingDeclarer() *recordingDeclarer {
	return &recordingDeclarer{exchanges: map[string]string{}, queues: map[string]amqp.Table{}}
}

func (r *recordingDeclarer) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if !durable {
		return errors.New("exchange must be durable")
	}
	r.exchanges[name] = kind
	return nil
}

func (r *recordingDeclarer) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	r.queues[name] = args
	return amqp.Queue{Name: name}, nil
}

func (r *recordingDeclarer) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if r.failBind != nil {
		return r.failBind
	}
	r.bindings = append(r.bindings, exchange+"/"+key+"->"+name)
	return nil
}

func TestDeclareTopology(t *testing.T) {
	d := newRecordingDeclarer()
	topo := Topology{
		Exchange: "events",
		Bindings: []Binding{
			{Queue: "q.completed", RoutingKey: "order.completed"},
			{Queue: "q.cancelled", RoutingKey: "order.cancelled"},
		},
	}

	if err := DeclareTopology(d, topo); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if d.exchanges["events"] != amqp.ExchangeTopic {
		t.Errorf("expected topic exchange, got %q", d.exchanges["events"])
	}
	if len(d.queues) != 2 {
		t.Errorf("expected 2 queues, got %d", len(d.queues))
	}
	if d.queues["q.completed"] != nil {
		t.Error("queues must carry no dead-letter args when none is configured")
	}
	if len(d.bindings) != 2 || d.bindings[0] != "events/order.completed->q.completed" {
		t.Errorf("unexpected bindings %v", d.bindings)
	}

	// Declaring twice is harmless.
	if err := DeclareTopology(d, topo); err != nil {
		t.Fatalf("redeclare: %v", err)
	}
}

func TestDeclareTopology_DeadLetter(t *testing.T) {
	d := newRecordingDeclarer()
	topo := Topology{
		Exchange:           "events",
		Bindings:           []Binding{{Queue: "q.completed", RoutingKey: "order.completed"}},
		DeadLetterExchange: "events.dlx",
		DeadLetterQueue:    "dead",
	}

	if err := DeclareTopology(d, topo); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if d.exchanges["events.dlx"] != amqp.ExchangeFanout {
		t.Errorf("expected fanout dead-letter exchange, got %q", d.exchanges["events.dlx"])
	}
	if _, ok := d.queues["dead"]; !ok {
		t.Error("dead-letter queue not declared")
	}
	if got := d.queues["q.completed"]["x-dead-letter-exchange"]; got != "events.dlx" {
		t.Errorf("expected dead-letter arg, got %v", got)
	}
}

func TestDeclareTopology_BindError(t *testing.T) {
	d := newRecordingDeclarer()
	d.failBind = errors.New("access refused")

	err := DeclareTopology(d, Topology{
		Exchange: "events",
		Bindings: []Binding{{Queue: "q", RoutingKey: "k"}},
	})
	if !errors.Is(err, d.failBind) {
		t.Errorf("expected wrapped bind error, got %v", err)
	}
}
