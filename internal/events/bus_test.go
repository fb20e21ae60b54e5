package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/srg/blescope/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type BusTestSuite struct {
	suite.Suite
	bus *Bus
}

func (suite *BusTestSuite) SetupTest() {
	suite.bus = NewBus(BusOptions{Capacity: 5, SubscriberSlack: 4}, testutils.NewTestLogger(suite.T()))
}

func (suite *BusTestSuite) TearDownTest() {
	suite.bus.Close()
}

func (suite *BusTestSuite) publishN(n int) []Event {
	var published []Event
	for i := 0; i < n; i++ {
		published = append(published, suite.bus.Publish(TypeAdv, AdvData{ID: "dev"}))
	}
	return published
}

func drain(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	var got []Event
	for len(got) < n {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed after %d of %d events", len(got), n)
			got = append(got, ev)
		case <-time.After(time.Second):
			require.Failf(t, "timed out", "received %d of %d events", len(got), n)
		}
	}
	return got
}

func assertNoPending(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if ok {
			assert.Failf(t, "unexpected event", "seq=%d type=%s", ev.Seq, ev.Type)
		}
	default:
	}
}

func (suite *BusTestSuite) TestReplayThenLive() {
	// GOAL: Verify a late subscriber gets exactly the retained events in order, then live events
	//
	// TEST SCENARIO: Publish 3 → subscribe → publish 2 more → receive seq 1..5 with no gap or duplicate

	published := suite.publishN(3)

	sub := suite.bus.Subscribe()
	defer sub.Unsubscribe()

	published = append(published, suite.publishN(2)...)

	got := drain(suite.T(), sub, 5)
	suite.Equal(published, got)
	assertNoPending(suite.T(), sub)
}

func (suite *BusTestSuite) TestReplayIsBounded() {
	// GOAL: Verify the replay buffer drops oldest events first
	//
	// TEST SCENARIO: Publish capacity+3 events → subscribe → replay holds the last capacity events

	published := suite.publishN(8)

	sub := suite.bus.Subscribe()
	defer sub.Unsubscribe()

	got := drain(suite.T(), sub, 5)
	suite.Equal(published[3:], got)
	assertNoPending(suite.T(), sub)
	suite.Len(suite.bus.Recent(), 5)
}

func (suite *BusTestSuite) TestSnapshotIsNotRetained() {
	suite.bus.Publish(TypeScan, ScanData{Active: true, Reason: "initial"})
	suite.bus.Publish(TypeSnapshot, SnapshotData{})

	recent := suite.bus.Recent()
	suite.Require().Len(recent, 1)
	suite.Equal(TypeScan, recent[0].Type)

	snap := suite.bus.Snapshot(SnapshotData{ScanningActive: true})
	suite.Equal(TypeSnapshot, snap.Type)
	suite.Zero(snap.Seq, "one-shot snapshot MUST NOT consume a sequence number")
	suite.Len(suite.bus.Recent(), 1)
}

func (suite *BusTestSuite) TestUnsubscribeIsIdempotent() {
	sub := suite.bus.Subscribe()
	suite.Equal(1, suite.bus.SubscriberCount())

	sub.Unsubscribe()
	suite.NotPanics(func() { sub.Unsubscribe() })
	suite.NotPanics(func() { suite.bus.Unsubscribe(nil) })
	suite.Equal(0, suite.bus.SubscriberCount())

	_, ok := <-sub.Events()
	suite.False(ok, "channel MUST be closed after unsubscribe")

	suite.NotPanics(func() { suite.publishN(1) }, "publish after unsubscribe MUST NOT panic")
}

func (suite *BusTestSuite) TestSlowSubscriberIsIsolated() {
	// GOAL: Verify a stalled subscriber never blocks publish and does not affect others
	//
	// TEST SCENARIO: One subscriber never reads → publish beyond its buffer → it is dropped, the reader keeps every event

	stalled := suite.bus.Subscribe()
	reader := suite.bus.Subscribe()
	defer reader.Unsubscribe()

	for i := 1; i <= 20; i++ {
		returned := make(chan struct{})
		go func() {
			defer close(returned)
			suite.bus.Publish(TypeAdv, AdvData{ID: "dev"})
		}()
		select {
		case <-returned:
		case <-time.After(time.Second):
			suite.FailNow("publish blocked on a stalled subscriber")
		}

		got := drain(suite.T(), reader, 1)
		suite.Equal(uint64(i), got[0].Seq, "reader MUST see every event in publish order")
	}

	var stalledCount int
	for range stalled.Events() {
		stalledCount++
	}
	suite.Equal(9, stalledCount, "stalled subscriber receives its buffer, then its channel is closed")
	suite.Equal(1, suite.bus.SubscriberCount())
}

func (suite *BusTestSuite) TestConcurrentPublishKeepsPerSubscriberOrder() {
	bus := NewBus(BusOptions{Capacity: 5, SubscriberSlack: 64}, testutils.NewTestLogger(suite.T()))
	defer bus.Close()

	sub := bus.Subscribe()
	defer sub.Unsubscribe()

	received := make(chan []uint64)
	go func() {
		var seqs []uint64
		for ev := range sub.Events() {
			seqs = append(seqs, ev.Seq)
			if len(seqs) == 40 {
				break
			}
		}
		received <- seqs
	}()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				bus.Publish(TypeNotify, NotifyData{ID: "dev", CharUUID: "2a37"})
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	seqs := <-received
	suite.Require().Len(seqs, 40)
	for i := 1; i < len(seqs); i++ {
		suite.Less(seqs[i-1], seqs[i], "delivery order MUST equal publish order")
	}
}

func (suite *BusTestSuite) TestCloseDetachesSubscribers() {
	sub := suite.bus.Subscribe()
	suite.bus.Close()

	_, ok := <-sub.Events()
	suite.False(ok)

	late := suite.bus.Subscribe()
	_, ok = <-late.Events()
	suite.False(ok, "subscribe after close MUST return a closed stream")
}

func TestBusTestSuite(t *testing.T) {
	suite.Run(t, new(BusTestSuite))
}

func TestEvent_JSONShape(t *testing.T) {
	bus := NewBus(BusOptions{}, testutils.NewTestLogger(t))
	ev := bus.Publish(TypeConnect, ConnectData{ID: "dev-1", Status: PhaseError, Error: "Connection timeout (20s)"})

	raw, err := json.Marshal(ev)
	require.NoError(t, err)

	testutils.AssertJSONEqual(t, `{
		"seq": 1,
		"type": "connect",
		"ts": "<<PRESENCE>>",
		"data": {"id": "dev-1", "status": "error", "error": "Connection timeout (20s)"}
	}`, string(raw))
}
