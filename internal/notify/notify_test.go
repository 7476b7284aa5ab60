package notify

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coreos-kernel/nucleus/internal/rcu"
)

type recordingSubscriber struct {
	received []int
}

func (r *recordingSubscriber) Notify(topic *Topic, n rcu.SharedPtr[Notification]) {
	v := *n.Get()
	r.received = append(r.received, v.(int))
}

func TestCreateTopicIsIdempotentOnUUIDCollision(t *testing.T) {
	s := NewStream(nil)
	id := uuid.New()
	t1, err := s.CreateTopic(id, "alpha", 4)
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	t2, err := s.CreateTopic(id, "alpha-again", 8)
	if err != nil {
		t.Fatalf("CreateTopic (collision): %v", err)
	}
	if t1 != t2 {
		t.Fatalf("expected the same *Topic back on UUID collision")
	}
	if t2.Name() != "alpha" {
		t.Fatalf("collision must not rename the existing topic, got %q", t2.Name())
	}
}

func TestFindTopicReturnsNilWhenAbsent(t *testing.T) {
	s := NewStream(nil)
	if got := s.FindTopic(uuid.New()); got != nil {
		t.Fatalf("FindTopic on unknown id = %v, want nil", got)
	}
}

func TestPublishSubscribeCapacityDrop(t *testing.T) {
	s := NewStream(nil)
	topic, err := s.CreateTopic(uuid.New(), "events", 4)
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	sub := &recordingSubscriber{}
	s.Subscribe(topic, sub)

	for i := 0; i < 4; i++ {
		if err := Publish(s, topic, i); err != nil {
			t.Fatalf("Publish(%d): %v", i, err)
		}
	}
	for i := 4; i < 6; i++ {
		if err := Publish(s, topic, i); err == nil {
			t.Fatalf("Publish(%d) succeeded past capacity, want OutOfMemory", i)
		}
	}

	n := s.Process(topic, 1<<20)
	if n != 4 {
		t.Fatalf("Process returned %d, want 4", n)
	}
	if len(sub.received) != 4 {
		t.Fatalf("subscriber received %d notifications, want 4", len(sub.received))
	}
	for i, v := range sub.received {
		if v != i {
			t.Fatalf("received[%d] = %d, want %d (publish order)", i, v, i)
		}
	}
}

func TestUnsubscribeStopsFutureDelivery(t *testing.T) {
	s := NewStream(nil)
	topic, _ := s.CreateTopic(uuid.New(), "events", 4)
	sub := &recordingSubscriber{}
	s.Subscribe(topic, sub)
	s.Unsubscribe(topic, sub)

	if err := Publish(s, topic, 1); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	s.Process(topic, 10)
	if len(sub.received) != 0 {
		t.Fatalf("unsubscribed subscriber received %d notifications, want 0", len(sub.received))
	}
}

type multiSub struct {
	id       string
	received *[]string
}

func (m *multiSub) Notify(topic *Topic, n rcu.SharedPtr[Notification]) {
	*m.received = append(*m.received, m.id)
}

func TestProcessAllRoundRobinsAndClampsRemainingBudget(t *testing.T) {
	s := NewStream(nil)
	t1, _ := s.CreateTopic(uuid.New(), "t1", 8)
	t2, _ := s.CreateTopic(uuid.New(), "t2", 8)

	var order []string
	s.Subscribe(t1, &multiSub{id: "t1", received: &order})
	s.Subscribe(t2, &multiSub{id: "t2", received: &order})

	for i := 0; i < 3; i++ {
		if err := Publish(s, t1, i); err != nil {
			t.Fatalf("Publish t1: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		if err := Publish(s, t2, i); err != nil {
			t.Fatalf("Publish t2: %v", err)
		}
	}

	// limit smaller than total pending: must not underflow and must not
	// exceed the requested budget (spec §9 open question resolution).
	count := s.ProcessAll(4)
	if count != 4 {
		t.Fatalf("ProcessAll(4) = %d, want 4", count)
	}
	if len(order) != 4 {
		t.Fatalf("delivered %d notifications, want 4", len(order))
	}
}

func TestProcessAllZeroLimitDoesNothing(t *testing.T) {
	s := NewStream(nil)
	topic, _ := s.CreateTopic(uuid.New(), "t", 4)
	s.Subscribe(topic, &recordingSubscriber{})
	if err := Publish(s, topic, 1); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if got := s.ProcessAll(0); got != 0 {
		t.Fatalf("ProcessAll(0) = %d, want 0", got)
	}
}

func TestPublishReentrancyIsRejected(t *testing.T) {
	s := NewStream(nil)
	topic, _ := s.CreateTopic(uuid.New(), "t", 4)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected Publish re-entered from inside Notify to panic")
		}
	}()

	reenter := subscriberFunc(func(*Topic, rcu.SharedPtr[Notification]) {
		_ = Publish(s, topic, 2)
	})
	s.Subscribe(topic, &reenter)
	_ = Publish(s, topic, 1)
	s.Process(topic, 10)
}

type subscriberFunc func(*Topic, rcu.SharedPtr[Notification])

func (f subscriberFunc) Notify(topic *Topic, n rcu.SharedPtr[Notification]) { f(topic, n) }

func TestWatermarkReflectsOccupancy(t *testing.T) {
	s := NewStream(nil)
	topic, _ := s.CreateTopic(uuid.New(), "t", 4)
	if w := topic.Watermark(); w != 0 {
		t.Fatalf("Watermark on empty topic = %f, want 0", w)
	}
	for i := 0; i < 2; i++ {
		if err := Publish(s, topic, i); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	if w := topic.Watermark(); w != 0.5 {
		t.Fatalf("Watermark = %f, want 0.5", w)
	}
}

func TestDrainWorkerProcessesPublishedNotifications(t *testing.T) {
	s := NewStream(nil)
	topic, _ := s.CreateTopic(uuid.New(), "t", 16)
	var received atomic.Int64
	count := subscriberFunc(func(*Topic, rcu.SharedPtr[Notification]) {
		received.Add(1)
	})
	s.Subscribe(topic, &count)

	worker := NewDrainWorker(s, 1024, time.Millisecond)
	worker.Start()
	defer worker.Stop()

	for i := 0; i < 5; i++ {
		if err := Publish(s, topic, i); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for received.Load() < 5 {
		select {
		case <-deadline:
			t.Fatalf("drain worker only processed %d of 5 notifications before the deadline", received.Load())
		case <-time.After(time.Millisecond):
		}
	}
}
