package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect_AssignsDistinctIDs(t *testing.T) {
	b, _ := newTestBroker(t)

	id1, _ := connect(t, b, "", "")
	id2, _ := connect(t, b, "", "")

	assert.NotEmpty(t, id1)
	assert.NotEmpty(t, id2)
	assert.NotEqual(t, id1, id2)
}

func TestConnect_SendsWelcomeFrame(t *testing.T) {
	b, _ := newTestBroker(t)

	id, ft := connect(t, b, "client-1", "u1")
	require.Equal(t, "client-1", id)

	welcome := ft.last(t)
	assert.Equal(t, FrameConnected, welcome["type"])
	assert.Equal(t, "client-1", welcome["client_id"])
	assert.NotEmpty(t, welcome["timestamp"])

	info, ok := welcome["server_info"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "switchboard", info["name"])
	assert.Contains(t, info["capabilities"], "ping")
	assert.Contains(t, info["capabilities"], "subscribe")
}

func TestConnect_UpdatesCountersAndUserIndex(t *testing.T) {
	b, _ := newTestBroker(t)

	connect(t, b, "a", "u1")
	connect(t, b, "b", "u1")
	connect(t, b, "c", "")

	s := b.Stats()
	assert.Equal(t, int64(3), s.TotalConnections)
	assert.Equal(t, 3, s.ActiveConnections)
	assert.Equal(t, 1, s.ConnectedUsers)
	assert.True(t, s.MonitorRunning)
	assertIndexInvariants(t, b)
}

func TestConnect_ReplacesDuplicateClientID(t *testing.T) {
	b, _ := newTestBroker(t)

	_, old := connect(t, b, "dup", "u1")
	require.NoError(t, b.Subscribe("dup", "room1"))

	_, fresh := connect(t, b, "dup", "u2")

	calls, code, reason := old.closeState()
	assert.Equal(t, 1, calls)
	assert.Equal(t, ClosePolicyViolation, code)
	assert.Equal(t, ReasonReplaced, reason)

	info, ok := b.Connection("dup")
	require.True(t, ok)
	assert.Equal(t, "u2", info.UserID)
	assert.Empty(t, info.Subscriptions)
	assert.Equal(t, 0, b.BroadcastToChannel("room1", Message{"type": "x"}, ""))
	assert.False(t, b.SendToUser("u1", Message{"type": "x"}))
	assert.True(t, b.Send("dup", Message{"type": "x"}))
	assert.Equal(t, 2, fresh.count())
	assertIndexInvariants(t, b)
}

func TestConnect_WelcomeFailureIsFatal(t *testing.T) {
	b, _ := newTestBroker(t)

	ft := &fakeTransport{failWrites: true}
	id, err := b.Connect(context.Background(), ft, "broken", "u1")

	require.Error(t, err)
	assert.ErrorIs(t, err, errWriteFailed)
	assert.Empty(t, id)
	_, ok := b.Connection("broken")
	assert.False(t, ok)
	calls, code, _ := ft.closeState()
	assert.Equal(t, 1, calls)
	assert.Equal(t, CloseInternalServerErr, code)
	assert.Equal(t, 0, b.Stats().ConnectedUsers)
}

func TestConnect_RefusedAfterShutdown(t *testing.T) {
	b, _ := newTestBroker(t)
	require.NoError(t, b.Shutdown(context.Background()))

	ft := &fakeTransport{}
	_, err := b.Connect(context.Background(), ft, "", "")

	assert.ErrorIs(t, err, ErrShuttingDown)
	calls, _, _ := ft.closeState()
	assert.Equal(t, 1, calls)
}

func TestDisconnect_RemovesFromEveryIndex(t *testing.T) {
	b, _ := newTestBroker(t)

	connect(t, b, "a", "u1")
	_, ftB := connect(t, b, "b", "u1")
	require.NoError(t, b.Subscribe("a", "room1"))
	require.NoError(t, b.Subscribe("a", "room2"))
	require.NoError(t, b.Subscribe("b", "room1"))

	b.Disconnect("a", CloseNormalClosure, "bye")

	_, ok := b.Connection("a")
	assert.False(t, ok)
	s := b.Stats()
	assert.Equal(t, 1, s.ActiveConnections)
	assert.Equal(t, map[string]int{"room1": 1}, s.Channels)
	assert.Equal(t, 1, s.ConnectedUsers)
	assertIndexInvariants(t, b)

	b.Disconnect("b", CloseNormalClosure, "bye")
	s = b.Stats()
	assert.Equal(t, 0, s.ActiveConnections)
	assert.Equal(t, 0, s.ActiveChannels)
	assert.Equal(t, 0, s.ConnectedUsers, "user entry must be pruned with its last connection")
	calls, _, reason := ftB.closeState()
	assert.Equal(t, 1, calls)
	assert.Equal(t, "bye", reason)
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	b, _ := newTestBroker(t)
	_, ft := connect(t, b, "a", "u1")
	require.NoError(t, b.Subscribe("a", "room1"))

	b.Disconnect("a", CloseNormalClosure, "first")
	before := b.Stats()
	b.Disconnect("a", CloseGoingAway, "second")
	after := b.Stats()

	assert.Equal(t, before, after)
	calls, code, reason := ft.closeState()
	assert.Equal(t, 1, calls)
	assert.Equal(t, CloseNormalClosure, code)
	assert.Equal(t, "first", reason)

	b.Disconnect("never-existed", CloseNormalClosure, "noop")
}

func TestSubscribe_MaintainsBidirectionalIndex(t *testing.T) {
	b, _ := newTestBroker(t)
	connect(t, b, "a", "")

	require.NoError(t, b.Subscribe("a", "room1"))
	require.NoError(t, b.Subscribe("a", "room1"))
	require.NoError(t, b.Subscribe("a", "room2"))

	assert.Equal(t, []string{"room1", "room2"}, b.Subscriptions("a"))
	assert.Equal(t, map[string]int{"room1": 1, "room2": 1}, b.Stats().Channels)
	assertIndexInvariants(t, b)

	require.NoError(t, b.Unsubscribe("a", "room1"))
	require.NoError(t, b.Unsubscribe("a", "room1"))
	require.NoError(t, b.Unsubscribe("a", "never-joined"))

	assert.Equal(t, []string{"room2"}, b.Subscriptions("a"))
	assert.Equal(t, 1, b.Stats().ActiveChannels)
	assertIndexInvariants(t, b)
}

func TestSubscribe_Errors(t *testing.T) {
	b, _ := newTestBroker(t)
	connect(t, b, "a", "")

	assert.ErrorIs(t, b.Subscribe("ghost", "room1"), ErrConnectionNotFound)
	assert.ErrorIs(t, b.Unsubscribe("ghost", "room1"), ErrConnectionNotFound)
	assert.ErrorIs(t, b.Subscribe("a", ""), ErrInvalidChannel)
	assert.Equal(t, 0, b.Stats().ActiveChannels)
}

func TestBroadcastToChannel_ExcludesSender(t *testing.T) {
	b, _ := newTestBroker(t)
	_, ftA := connect(t, b, "A", "")
	_, ftB := connect(t, b, "B", "")
	require.NoError(t, b.Subscribe("A", "room1"))
	require.NoError(t, b.Subscribe("B", "room1"))

	n := b.BroadcastToChannel("room1", Message{"type": "note", "x": 1}, "A")

	assert.Equal(t, 1, n)
	assert.Empty(t, ftA.ofType(t, "note"))
	got := ftB.ofType(t, "note")
	require.Len(t, got, 1)
	assert.Equal(t, float64(1), got[0]["x"])
	assert.NotEmpty(t, got[0]["timestamp"])
}

func TestBroadcastToChannel_UnknownChannel(t *testing.T) {
	b, _ := newTestBroker(t)
	connect(t, b, "A", "")

	assert.Equal(t, 0, b.BroadcastToChannel("nowhere", Message{"type": "note"}, ""))
}

func TestBroadcastToChannel_SkipsDisconnected(t *testing.T) {
	b, _ := newTestBroker(t)
	_, ftA := connect(t, b, "A", "")
	_, ftB := connect(t, b, "B", "")
	require.NoError(t, b.Subscribe("A", "room1"))
	require.NoError(t, b.Subscribe("B", "room1"))

	b.Disconnect("A", CloseNormalClosure, "bye")
	framesBefore := ftA.count()

	n := b.BroadcastToChannel("room1", Message{"type": "note"}, "")

	assert.Equal(t, 1, n)
	assert.Equal(t, framesBefore, ftA.count())
	assert.Len(t, ftB.ofType(t, "note"), 1)
}

func TestBroadcastToChannel_DoesNotMutateCallerMessage(t *testing.T) {
	b, _ := newTestBroker(t)
	connect(t, b, "A", "")
	require.NoError(t, b.Subscribe("A", "room1"))

	msg := Message{"type": "note"}
	b.BroadcastToChannel("room1", msg, "")

	_, stamped := msg["timestamp"]
	assert.False(t, stamped)
}

func TestSendToUser_FansOutToEveryDevice(t *testing.T) {
	b, _ := newTestBroker(t)
	_, ft1 := connect(t, b, "phone", "u1")
	_, ft2 := connect(t, b, "laptop", "u1")
	_, ft3 := connect(t, b, "other", "u2")

	ok := b.SendToUser("u1", Message{"type": "note", "body": "hi"})

	assert.True(t, ok)
	assert.Len(t, ft1.ofType(t, "note"), 1)
	assert.Len(t, ft2.ofType(t, "note"), 1)
	assert.Empty(t, ft3.ofType(t, "note"))
	assert.False(t, b.SendToUser("nobody", Message{"type": "note"}))
}

func TestSend_UnknownConnection(t *testing.T) {
	b, _ := newTestBroker(t)

	assert.False(t, b.Send("ghost", Message{"type": "note"}))
	assert.Equal(t, int64(0), b.Stats().MessagesSent)
}

func TestSend_WriteFailureMarksInactive(t *testing.T) {
	b, _ := newTestBroker(t)
	_, ft := connect(t, b, "A", "")
	connect(t, b, "B", "")
	sentBefore := b.Stats().MessagesSent

	ft.setFailWrites(true)
	assert.False(t, b.Send("A", Message{"type": "note"}))

	info, ok := b.Connection("A")
	require.True(t, ok, "record stays until reaped")
	assert.False(t, info.Active)
	s := b.Stats()
	assert.Equal(t, 1, s.ActiveConnections)
	assert.Equal(t, sentBefore, s.MessagesSent)

	ft.setFailWrites(false)
	assert.False(t, b.Send("A", Message{"type": "note"}), "inactive connections stay dead")
}

func TestSend_PreservesOrderPerConnection(t *testing.T) {
	b, _ := newTestBroker(t)
	_, ft := connect(t, b, "A", "")

	const senders, perSender = 8, 50
	var wg sync.WaitGroup
	for s := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perSender {
				assert.True(t, b.Send("A", Message{"type": "seq", "sender": s, "n": i}))
			}
		}()
	}
	wg.Wait()

	last := make(map[float64]float64)
	for _, m := range ft.ofType(t, "seq") {
		sender := m["sender"].(float64)
		n := m["n"].(float64)
		if prev, ok := last[sender]; ok {
			require.Greater(t, n, prev, "frames from sender %v out of order", sender)
		}
		last[sender] = n
	}
	assert.Len(t, ft.ofType(t, "seq"), senders*perSender)
}

func TestSend_CountsMessages(t *testing.T) {
	b, _ := newTestBroker(t)
	connect(t, b, "A", "")

	require.True(t, b.Send("A", Message{"type": "note"}))
	require.True(t, b.Send("A", Message{"type": "note"}))

	info, _ := b.Connection("A")
	// Welcome frame plus two notes.
	assert.Equal(t, int64(3), info.MessagesSent)
	assert.Equal(t, int64(3), b.Stats().MessagesSent)
}

func TestShutdown_DisconnectsEveryConnection(t *testing.T) {
	b, _ := newTestBroker(t)
	var transports []*fakeTransport
	for i := range 3 {
		_, ft := connect(t, b, fmt.Sprintf("c%d", i), "u1")
		require.NoError(t, b.Subscribe(fmt.Sprintf("c%d", i), "room1"))
		transports = append(transports, ft)
	}

	require.NoError(t, b.Shutdown(context.Background()))

	for _, ft := range transports {
		calls, code, reason := ft.closeState()
		assert.Equal(t, 1, calls)
		assert.Equal(t, CloseGoingAway, code)
		assert.Equal(t, ReasonShutdown, reason)
	}
	s := b.Stats()
	assert.Equal(t, 0, s.ActiveConnections)
	assert.Equal(t, 0, s.ActiveChannels)
	assert.Equal(t, 0, s.ConnectedUsers)
	assert.False(t, s.MonitorRunning)

	require.NoError(t, b.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestShutdown_ConcurrentCallersWaitForDrain(t *testing.T) {
	b, _ := newTestBroker(t)
	gt := newGatedTransport(false, true)
	_, err := b.Connect(context.Background(), gt, "slow", "")
	require.NoError(t, err)

	firstDone := make(chan error, 1)
	go func() { firstDone <- b.Shutdown(context.Background()) }()
	gt.waitEntered(t, "close")

	// The drain is stuck in Close: a second caller must not report success.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = b.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	calls, _, _ := gt.closeState()
	assert.Equal(t, 0, calls)

	secondDone := make(chan error, 1)
	go func() { secondDone <- b.Shutdown(context.Background()) }()

	close(gt.holdClose)
	for _, done := range []chan error{firstDone, secondDone} {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("shutdown did not return after the transport closed")
		}
	}
	calls, code, _ := gt.closeState()
	assert.Equal(t, 1, calls)
	assert.Equal(t, CloseGoingAway, code)
	assert.Equal(t, 0, b.Stats().ActiveConnections)
}

func TestConnect_WelcomePrecedesFanOut(t *testing.T) {
	b, _ := newTestBroker(t)
	gt := newGatedTransport(true, false)

	connected := make(chan error, 1)
	go func() {
		_, err := b.Connect(context.Background(), gt, "tab-1", "u1")
		connected <- err
	}()
	gt.waitEntered(t, "write")

	// While the welcome is being written the record is not yet visible.
	assert.False(t, b.SendToUser("u1", Message{"type": "early"}))
	assert.False(t, b.Send("tab-1", Message{"type": "early"}))

	close(gt.holdWrite)
	require.NoError(t, <-connected)
	require.True(t, b.SendToUser("u1", Message{"type": "late"}))

	msgs := gt.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, FrameConnected, msgs[0]["type"])
	assert.Equal(t, "late", msgs[1]["type"])
}

func TestConnect_CancelledContext(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ft := &fakeTransport{}
	_, err := b.Connect(ctx, ft, "late", "u1")

	require.ErrorIs(t, err, context.Canceled)
	_, ok := b.Connection("late")
	assert.False(t, ok)
	assert.Equal(t, 0, ft.count())
	calls, code, reason := ft.closeState()
	assert.Equal(t, 1, calls)
	assert.Equal(t, CloseInternalServerErr, code)
	assert.Equal(t, ReasonHandshakeFailed, reason)
	assert.Equal(t, int64(0), b.Stats().TotalConnections)
}

func TestDisconnectTransport_LeavesSuccessorAlone(t *testing.T) {
	b, _ := newTestBroker(t)
	_, old := connect(t, b, "dup", "u1")
	_, fresh := connect(t, b, "dup", "u1")
	require.NoError(t, b.Subscribe("dup", "room1"))

	// The replaced socket's read loop exits after the id was reused.
	assert.False(t, b.DisconnectTransport("dup", old, CloseInternalServerErr, "read error"))

	_, ok := b.Connection("dup")
	require.True(t, ok)
	calls, _, _ := fresh.closeState()
	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, b.Stats().Channels["room1"])

	assert.True(t, b.DisconnectTransport("dup", fresh, CloseNormalClosure, "client closed"))
	_, ok = b.Connection("dup")
	assert.False(t, ok)
	assert.False(t, b.DisconnectTransport("dup", fresh, CloseNormalClosure, "client closed"))
	assertIndexInvariants(t, b)
}

func TestHandleMessage_InvalidJSON(t *testing.T) {
	b, _ := newTestBroker(t)
	_, ft := connect(t, b, "A", "u1")
	require.NoError(t, b.Subscribe("A", "room1"))
	before := b.Stats()
	framesBefore := ft.count()

	b.HandleMessage(context.Background(), "A", []byte("{not json"))

	assert.Equal(t, framesBefore+1, ft.count())
	errs := ft.ofType(t, FrameError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0]["error"], "invalid message")
	assert.NotEmpty(t, errs[0]["timestamp"])

	after := b.Stats()
	assert.Equal(t, before.Channels, after.Channels)
	assert.Equal(t, before.ActiveConnections, after.ActiveConnections)
	assert.Equal(t, before.MessagesReceived, after.MessagesReceived)
	assert.Equal(t, []string{"room1"}, b.Subscriptions("A"))
}

func TestHandleMessage_MissingType(t *testing.T) {
	b, _ := newTestBroker(t)
	_, ft := connect(t, b, "A", "")

	b.HandleMessage(context.Background(), "A", []byte(`{"channels":["x"]}`))
	b.HandleMessage(context.Background(), "A", []byte(`[1,2]`))
	b.HandleMessage(context.Background(), "A", []byte(`null`))

	assert.Len(t, ft.ofType(t, FrameError), 3)
	assert.Equal(t, 0, b.Stats().ActiveChannels)
}

func TestHandleMessage_UnknownConnectionIsIgnored(t *testing.T) {
	b, _ := newTestBroker(t)

	b.HandleMessage(context.Background(), "ghost", []byte(`{"type":"ping"}`))

	assert.Equal(t, int64(0), b.Stats().MessagesReceived)
}

func TestInvariants_HoldUnderRandomOperations(t *testing.T) {
	b, _ := newTestBroker(t)
	rng := rand.New(rand.NewSource(7))
	ids := []string{"a", "b", "c", "d", "e"}
	users := []string{"", "u1", "u2"}
	channels := []string{"r1", "r2", "r3"}

	for range 500 {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(4) {
		case 0:
			_, err := b.Connect(context.Background(), &fakeTransport{}, id, users[rng.Intn(len(users))])
			require.NoError(t, err)
		case 1:
			b.Disconnect(id, CloseNormalClosure, "random")
		case 2:
			err := b.Subscribe(id, channels[rng.Intn(len(channels))])
			if err != nil {
				require.True(t, errors.Is(err, ErrConnectionNotFound))
			}
		case 3:
			err := b.Unsubscribe(id, channels[rng.Intn(len(channels))])
			if err != nil {
				require.True(t, errors.Is(err, ErrConnectionNotFound))
			}
		}

		assertIndexInvariants(t, b)
		s := b.Stats()
		assert.Equal(t, len(b.Connections()), s.ActiveConnections)
		assert.Equal(t, len(s.Channels), s.ActiveChannels)
	}
}

func TestConcurrentOperations_KeepInvariants(t *testing.T) {
	b, _ := newTestBroker(t)

	var wg sync.WaitGroup
	for w := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("w%d", w)
			for i := range 50 {
				_, err := b.Connect(context.Background(), &fakeTransport{}, id, fmt.Sprintf("u%d", w%3))
				if err != nil {
					return
				}
				_ = b.Subscribe(id, fmt.Sprintf("room%d", i%4))
				b.BroadcastToChannel(fmt.Sprintf("room%d", i%4), Message{"type": "note"}, id)
				_ = b.Unsubscribe(id, fmt.Sprintf("room%d", (i+1)%4))
				if i%3 == 0 {
					b.Disconnect(id, CloseNormalClosure, "cycle")
				}
			}
		}()
	}
	wg.Wait()

	assertIndexInvariants(t, b)
}
