package bus

import (
	"testing"
	"time"
)

func TestBasicPubSub(t *testing.T) {
	b := NewBus(4)
	conn := b.NewConnection("sampler")

	sub := conn.Subscribe(Topic{S("telemetry"), S("vin_mV")})
	b.Publish(&Message{Topic: Topic{S("telemetry"), S("vin_mV")}, Payload: int32(12000)})

	select {
	case got := <-sub.Channel():
		if got.Payload.(int32) != 12000 {
			t.Errorf("expected payload 12000, got %v", got.Payload)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
	}
}

func TestRetainedMessage_DeliveredOnLateSubscribe(t *testing.T) {
	b := NewBus(2)
	conn := b.NewConnection("configstore")

	b.Publish(&Message{
		Topic:    Topic{S("config"), S("loaded")},
		Payload:  "cfg-v1",
		Retained: true,
	})

	sub := conn.Subscribe(Topic{S("config"), S("loaded")})

	select {
	case got := <-sub.Channel():
		if got.Payload.(string) != "cfg-v1" {
			t.Errorf("expected retained payload 'cfg-v1', got %v", got.Payload)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for retained message")
	}
}

func TestRetainedMessage_ClearedByNilPayload(t *testing.T) {
	b := NewBus(4)
	conn := b.NewConnection("configstore")

	b.Publish(&Message{Topic: Topic{S("config"), S("led_brightness")}, Payload: uint8(0x30), Retained: true})
	b.Publish(&Message{Topic: Topic{S("config"), S("led_brightness")}, Payload: nil, Retained: true})

	sub := conn.Subscribe(Topic{S("config"), S("led_brightness")})
	select {
	case got := <-sub.Channel():
		t.Fatalf("expected no retained delivery after clear, got %#v", got)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestSubscriberQueue_DropsOldestWhenFull(t *testing.T) {
	b := NewBus(2)
	conn := b.NewConnection("busengine")

	sub := conn.Subscribe(Topic{S("power"), S("state")})
	b.Publish(&Message{Topic: Topic{S("power"), S("state")}, Payload: 1})
	b.Publish(&Message{Topic: Topic{S("power"), S("state")}, Payload: 2})
	b.Publish(&Message{Topic: Topic{S("power"), S("state")}, Payload: 3})

	got := drain(t, sub, 2)
	if got[0] != 2 || got[1] != 3 {
		t.Fatalf("expected oldest message dropped, got %v", got)
	}
}

func TestIntToken_DistinctFromStringToken(t *testing.T) {
	b := NewBus(4)
	conn := b.NewConnection("dfu")

	sInt := conn.Subscribe(Topic{S("dfu"), I(0)})
	sStr := conn.Subscribe(Topic{S("dfu"), S("0")})

	b.Publish(&Message{Topic: Topic{S("dfu"), I(0)}, Payload: "block-0-ack"})

	select {
	case got := <-sInt.Channel():
		if got.Payload.(string) != "block-0-ack" {
			t.Errorf("unexpected payload: %v", got.Payload)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting on int-token subscriber")
	}

	select {
	case got := <-sStr.Channel():
		t.Fatalf("string-token subscriber should not see int-token publish, got %v", got)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := NewBus(4)
	conn := b.NewConnection("led")

	sub := conn.Subscribe(Topic{S("power"), S("state")})
	sub.Unsubscribe()

	b.Publish(&Message{Topic: Topic{S("power"), S("state")}, Payload: 1})

	select {
	case _, ok := <-sub.Channel():
		if ok {
			t.Fatal("expected closed channel after Unsubscribe, got a delivered message")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel was neither closed nor delivered to within timeout")
	}
}

func drain(t *testing.T, sub *Subscription, n int) []int {
	t.Helper()
	var out []int
	deadline := time.Now().Add(300 * time.Millisecond)
	for len(out) < n && time.Now().Before(deadline) {
		select {
		case m := <-sub.Channel():
			out = append(out, m.Payload.(int))
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(out) != n {
		t.Fatalf("drain: expected %d messages, got %d (%v)", n, len(out), out)
	}
	return out
}
