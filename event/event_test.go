package event

import (
	"sync"
	"testing"
	"time"
)

type testEvent int

func TestSubCloseUnsub(t *testing.T) {
	// the point of this test is **not** to panic
	var mux TypeMux
	mux.Stop()
	sub := mux.Subscribe(int(0))
	sub.Unsubscribe()
}

func TestSub(t *testing.T) {
	mux := new(TypeMux)
	defer mux.Stop()

	sub := mux.Subscribe(testEvent(0))
	go func() {
		if err := mux.Post(testEvent(5)); err != nil {
			t.Errorf("Post returned unexpected error: %v", err)
		}
	}()
	ev := <-sub.Chan()

	if ev.Data.(testEvent) != testEvent(5) {
		t.Errorf("Got %v (%T), expected event %v (%T)",
			ev, ev, testEvent(5), testEvent(5))
	}
}

func TestMuxErrorAfterStop(t *testing.T) {
	mux := new(TypeMux)
	mux.Stop()

	sub := mux.Subscribe(testEvent(0))
	if _, isopen := <-sub.Chan(); isopen {
		t.Errorf("subscription channel was not closed")
	}
	if err := mux.Post(testEvent(0)); err != ErrMuxClosed {
		t.Errorf("Post error mismatch, got: %s, expected: %s", err, ErrMuxClosed)
	}
}

func TestUnsubscribeUnblocksPost(t *testing.T) {
	mux := new(TypeMux)
	defer mux.Stop()

	sub := mux.Subscribe(testEvent(0))
	unsubscribed := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		sub.Unsubscribe()
		close(unsubscribed)
	}()
	// Post blocks until the subscriber is gone because nobody reads the channel.
	if err := mux.Post(testEvent(5)); err != nil {
		t.Errorf("Post returned unexpected error: %v", err)
	}
	<-unsubscribed
}

func TestMuxConcurrent(t *testing.T) {
	rand := func() testEvent { return testEvent(1) }
	mux := new(TypeMux)
	defer mux.Stop()

	recv := func(sub *TypeMuxSubscription, wg *sync.WaitGroup) {
		defer wg.Done()
		for range sub.Chan() {
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go recv(mux.Subscribe(testEvent(0)), &wg)
	}
	for i := 0; i < 100; i++ {
		if err := mux.Post(rand()); err != nil {
			t.Fatalf("Post failed: %v", err)
		}
	}
	mux.Stop()
	wg.Wait()
}

func TestFeedOf(t *testing.T) {
	var feed FeedOf[int]
	var done, subscribed sync.WaitGroup
	subscriber := func(i int) {
		defer done.Done()

		subchan := make(chan int)
		sub := feed.Subscribe(subchan)
		timeout := time.NewTimer(2 * time.Second)
		defer timeout.Stop()
		subscribed.Done()

		select {
		case v := <-subchan:
			if v != 1 {
				t.Errorf("%d: received value %d, want 1", i, v)
			}
		case <-timeout.C:
			t.Errorf("%d: receive timeout", i)
		}

		sub.Unsubscribe()
		select {
		case _, ok := <-sub.Err():
			if ok {
				t.Errorf("%d: error channel not closed after unsubscribe", i)
			}
		case <-timeout.C:
			t.Errorf("%d: unsubscribe timeout", i)
		}
	}

	const n = 3
	done.Add(n)
	subscribed.Add(n)
	for i := 0; i < n; i++ {
		go subscriber(i)
	}
	subscribed.Wait()
	if nsent := feed.Send(1); nsent != n {
		t.Errorf("first send delivered %d times, want %d", nsent, n)
	}
	if nsent := feed.Send(2); nsent != 0 {
		t.Errorf("second send delivered %d times, want 0", nsent)
	}
	done.Wait()
}

func TestFeedOfUnsubscribeFromInbox(t *testing.T) {
	var feed FeedOf[int]
	sub1 := feed.Subscribe(make(chan int))
	sub2 := feed.Subscribe(make(chan int))
	if len(feed.inbox) != 2 {
		t.Errorf("inbox length != 2 after subscribe")
	}
	sub1.Unsubscribe()
	sub2.Unsubscribe()
	if len(feed.inbox) != 0 {
		t.Errorf("Unsubscribe did not remove subscriptions from inbox")
	}
	if len(feed.sendCases) != firstSubSendCase {
		t.Errorf("Unsubscribe did not remove subscriptions from sendCases")
	}
}
