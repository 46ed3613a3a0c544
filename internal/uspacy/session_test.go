package uspacy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"testing/synctest"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	uerrors "github.com/alexjbarnes/uspacy-notify/internal/errors"
)

const testHandshake = `0{"sid":"s1","pingInterval":25000,"pingTimeout":60000}`

// newTestSession creates a Session with no live transport. Tests drive
// it through handshake with a mock connection.
func newTestSession(t *testing.T, tokens TokenProvider, onDown func()) *Session {
	t.Helper()

	return NewSession(SessionConfig{
		URL:    "wss://sns.example.test/notifications-websocket/?EIO=4&transport=websocket",
		Tokens: tokens,
		Router: NewRouter(slog.Default()),
		OnDown: onDown,
	}, slog.Default())
}

// newTestTokens creates a token provider that always serves the given
// access token.
func newTestTokens(ctrl *gomock.Controller, access string) *MockTokenProvider {
	tokens := NewMockTokenProvider(ctrl)
	tokens.EXPECT().Access().Return(access).AnyTimes()

	return tokens
}

// expectBlockedRead arranges the mock's next read to block until stop
// closes, then fail like a torn-down transport would.
func expectBlockedRead(conn *MockWSConn, stop chan struct{}) *gomock.Call {
	return conn.EXPECT().Read(gomock.Any()).DoAndReturn(
		func(ctx context.Context) (websocket.MessageType, []byte, error) {
			<-stop
			return 0, nil, fmt.Errorf("use of closed network connection")
		})
}

// --- handshake tests ---

func TestHandshake_SubscribesWithToken(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)
		sess := newTestSession(t, newTestTokens(ctrl, "tok123"), nil)

		stop := make(chan struct{})

		gomock.InOrder(
			conn.EXPECT().SetReadLimit(int64(wsReadLimit)),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(testHandshake), nil),
			conn.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte(`40{"token":"tok123"}`)).
				Return(nil),
			expectBlockedRead(conn, stop),
		)
		conn.EXPECT().Close(websocket.StatusNormalClosure, "shutting down").
			DoAndReturn(func(websocket.StatusCode, string) error {
				close(stop)
				return nil
			})

		err := sess.handshake(t.Context(), conn)
		require.NoError(t, err)

		assert.True(t, sess.Connected())
		assert.Equal(t, 25*time.Second, sess.PingInterval())
		assert.Equal(t, 60*time.Second, sess.PingTimeout())

		require.NoError(t, sess.Close())
		assert.Equal(t, StateDisconnected, sess.State())
	})
}

func TestHandshake_NoTokenSkipsSubscribe(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)
		sess := newTestSession(t, newTestTokens(ctrl, ""), nil)

		stop := make(chan struct{})

		// No Write expectation: subscribing without a token would be
		// rejected anyway.
		gomock.InOrder(
			conn.EXPECT().SetReadLimit(gomock.Any()),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(testHandshake), nil),
			expectBlockedRead(conn, stop),
		)
		conn.EXPECT().Close(websocket.StatusNormalClosure, "shutting down").
			DoAndReturn(func(websocket.StatusCode, string) error {
				close(stop)
				return nil
			})

		err := sess.handshake(t.Context(), conn)
		require.NoError(t, err)
		assert.True(t, sess.Connected())

		require.NoError(t, sess.Close())
	})
}

func TestHandshake_FirstFrameNotHandshakeIsProtocolError(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockWSConn(ctrl)
	sess := newTestSession(t, newTestTokens(ctrl, "tok123"), nil)

	gomock.InOrder(
		conn.EXPECT().SetReadLimit(gomock.Any()),
		conn.EXPECT().Read(gomock.Any()).
			Return(websocket.MessageText, []byte(`42["notification",{}]`), nil),
		conn.EXPECT().Close(websocket.StatusProtocolError, "expected handshake").
			Return(nil),
	)

	err := sess.handshake(context.Background(), conn)
	assert.ErrorIs(t, err, uerrors.ErrProtocol)
	assert.Equal(t, StateDisconnected, sess.State())
}

func TestHandshake_ReadError(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockWSConn(ctrl)
	sess := newTestSession(t, newTestTokens(ctrl, "tok123"), nil)

	gomock.InOrder(
		conn.EXPECT().SetReadLimit(gomock.Any()),
		conn.EXPECT().Read(gomock.Any()).
			Return(websocket.MessageType(0), nil, fmt.Errorf("connection reset")),
		conn.EXPECT().Close(websocket.StatusInternalError, "handshake read failed").
			Return(nil),
	)

	err := sess.handshake(context.Background(), conn)
	assert.ErrorContains(t, err, "reading handshake frame")
	assert.False(t, sess.Connected())
}

func TestHandshake_SubscribeWriteError(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockWSConn(ctrl)
	sess := newTestSession(t, newTestTokens(ctrl, "tok123"), nil)

	gomock.InOrder(
		conn.EXPECT().SetReadLimit(gomock.Any()),
		conn.EXPECT().Read(gomock.Any()).
			Return(websocket.MessageText, []byte(testHandshake), nil),
		conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
			Return(fmt.Errorf("broken pipe")),
		conn.EXPECT().Close(websocket.StatusInternalError, "channel subscribe failed").
			Return(nil),
	)

	err := sess.handshake(context.Background(), conn)
	assert.ErrorContains(t, err, "subscribing to notification channel")
	assert.False(t, sess.Connected())
}

// --- receive loop tests ---

func TestSession_AnswersEveryPingInOrder(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)
		sess := newTestSession(t, newTestTokens(ctrl, "tok123"), nil)

		stop := make(chan struct{})

		// Each pong write is pinned between its probe and the next
		// read, so ordering and the one-to-one pairing are both
		// asserted by the mock.
		gomock.InOrder(
			conn.EXPECT().SetReadLimit(gomock.Any()),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(testHandshake), nil),
			conn.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte(`40{"token":"tok123"}`)).
				Return(nil),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte("2"), nil),
			conn.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte("3")).
				Return(nil),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte("2"), nil),
			conn.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte("3")).
				Return(nil),
			expectBlockedRead(conn, stop),
		)
		conn.EXPECT().Close(websocket.StatusNormalClosure, "shutting down").
			DoAndReturn(func(websocket.StatusCode, string) error {
				close(stop)
				return nil
			})

		require.NoError(t, sess.handshake(t.Context(), conn))

		synctest.Wait()
		assert.True(t, sess.Connected())

		require.NoError(t, sess.Close())
	})
}

func TestSession_PongWriteFailureDoesNotKillLoop(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)
		sess := newTestSession(t, newTestTokens(ctrl, "tok123"), nil)

		stop := make(chan struct{})

		gomock.InOrder(
			conn.EXPECT().SetReadLimit(gomock.Any()),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(testHandshake), nil),
			conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
				Return(nil),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte("2"), nil),
			conn.EXPECT().Write(gomock.Any(), websocket.MessageText, []byte("3")).
				Return(fmt.Errorf("broken pipe")),
			expectBlockedRead(conn, stop),
		)
		conn.EXPECT().Close(websocket.StatusNormalClosure, "shutting down").
			DoAndReturn(func(websocket.StatusCode, string) error {
				close(stop)
				return nil
			})

		require.NoError(t, sess.handshake(t.Context(), conn))

		synctest.Wait()
		assert.True(t, sess.Connected(), "a failed pong write alone must not close the session")

		require.NoError(t, sess.Close())
	})
}

func TestSession_DispatchesEventsToRouter(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)
		sess := newTestSession(t, newTestTokens(ctrl, "tok123"), nil)

		var got []recordedEvent

		sess.Router().Subscribe(HandlerFunc(func(event string, payload json.RawMessage) {
			got = append(got, recordedEvent{event, string(payload)})
		}))

		stop := make(chan struct{})

		gomock.InOrder(
			conn.EXPECT().SetReadLimit(gomock.Any()),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(testHandshake), nil),
			conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
				Return(nil),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(`42["notification",{"type":"comment"}]`), nil),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(`42["messenger",{"unread":3}]`), nil),
			expectBlockedRead(conn, stop),
		)
		conn.EXPECT().Close(websocket.StatusNormalClosure, "shutting down").
			DoAndReturn(func(websocket.StatusCode, string) error {
				close(stop)
				return nil
			})

		require.NoError(t, sess.handshake(t.Context(), conn))

		synctest.Wait()

		require.Len(t, got, 2)
		assert.Equal(t, "notification", got[0].event)
		assert.JSONEq(t, `{"type":"comment"}`, got[0].payload)
		assert.Equal(t, "messenger", got[1].event)

		require.NoError(t, sess.Close())
	})
}

func TestSession_IgnoresChannelControlAndJunkFrames(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)
		sess := newTestSession(t, newTestTokens(ctrl, "tok123"), nil)

		var events int

		sess.Router().Subscribe(HandlerFunc(func(string, json.RawMessage) { events++ }))

		stop := make(chan struct{})

		// Subscribe ack, server channel close, a mid-session handshake
		// and plain junk all pass through without dispatch and without
		// changing the negotiated timings.
		gomock.InOrder(
			conn.EXPECT().SetReadLimit(gomock.Any()),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(testHandshake), nil),
			conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
				Return(nil),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(`40{"sid":"ack"}`), nil),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(`41`), nil),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(`0{"pingInterval":1000,"pingTimeout":2000}`), nil),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(`garbage`), nil),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(`42["notification",{}]`), nil),
			expectBlockedRead(conn, stop),
		)
		conn.EXPECT().Close(websocket.StatusNormalClosure, "shutting down").
			DoAndReturn(func(websocket.StatusCode, string) error {
				close(stop)
				return nil
			})

		require.NoError(t, sess.handshake(t.Context(), conn))

		synctest.Wait()

		assert.Equal(t, 1, events, "only the event frame reaches subscribers")
		assert.True(t, sess.Connected())
		assert.Equal(t, 60*time.Second, sess.PingTimeout(), "mid-session handshake must not renegotiate timings")

		require.NoError(t, sess.Close())
	})
}

func TestSession_UnexpectedCloseFiresOnDownAndStopsDispatch(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)

		var downs int

		sess := newTestSession(t, newTestTokens(ctrl, "tok123"), func() { downs++ })

		var events int

		sess.Router().Subscribe(HandlerFunc(func(string, json.RawMessage) { events++ }))

		gomock.InOrder(
			conn.EXPECT().SetReadLimit(gomock.Any()),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(testHandshake), nil),
			conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
				Return(nil),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(`42["notification",{}]`), nil),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageType(0), nil, fmt.Errorf("unexpected EOF")),
		)

		require.NoError(t, sess.handshake(t.Context(), conn))

		synctest.Wait()

		assert.Equal(t, 1, events)
		assert.Equal(t, 1, downs, "an unexpected transport loss reports down exactly once")
		assert.Equal(t, StateDisconnected, sess.State())
	})
}

func TestSession_ExplicitCloseDoesNotFireOnDown(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)

		var downs int

		sess := newTestSession(t, newTestTokens(ctrl, "tok123"), func() { downs++ })

		stop := make(chan struct{})

		gomock.InOrder(
			conn.EXPECT().SetReadLimit(gomock.Any()),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(testHandshake), nil),
			conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
				Return(nil),
			expectBlockedRead(conn, stop),
		)
		conn.EXPECT().Close(websocket.StatusNormalClosure, "shutting down").
			DoAndReturn(func(websocket.StatusCode, string) error {
				close(stop)
				return nil
			})

		require.NoError(t, sess.handshake(t.Context(), conn))
		require.NoError(t, sess.Close())

		synctest.Wait()
		assert.Zero(t, downs, "an orderly shutdown must not trigger reconnection")
		assert.Equal(t, StateDisconnected, sess.State())
	})
}

func TestSession_ConnectWhileOpenIsNoOp(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)
		sess := newTestSession(t, newTestTokens(ctrl, "tok123"), nil)

		stop := make(chan struct{})

		gomock.InOrder(
			conn.EXPECT().SetReadLimit(gomock.Any()),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(testHandshake), nil),
			conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
				Return(nil),
			expectBlockedRead(conn, stop),
		)
		conn.EXPECT().Close(websocket.StatusNormalClosure, "shutting down").
			DoAndReturn(func(websocket.StatusCode, string) error {
				close(stop)
				return nil
			})

		require.NoError(t, sess.handshake(t.Context(), conn))

		// The guard short-circuits before any dialing happens, so no
		// second transport and no mock activity.
		require.NoError(t, sess.Connect(t.Context()))
		assert.True(t, sess.Connected())

		require.NoError(t, sess.Close())
	})
}

func TestSession_CloseWithoutConnect(t *testing.T) {
	ctrl := gomock.NewController(t)
	sess := newTestSession(t, newTestTokens(ctrl, ""), nil)

	require.NoError(t, sess.Close())
	assert.Equal(t, StateDisconnected, sess.State())
}

// --- watchdog tests ---

func TestWatchdog_ClosesSilentConnection(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)

		var downs int

		sess := newTestSession(t, newTestTokens(ctrl, "tok123"), func() { downs++ })

		stop := make(chan struct{})

		gomock.InOrder(
			conn.EXPECT().SetReadLimit(gomock.Any()),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(`0{"sid":"s","pingInterval":5000,"pingTimeout":10000}`), nil),
			conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
				Return(nil),
			expectBlockedRead(conn, stop),
		)

		// The watchdog, not the receive loop, tears the transport down.
		conn.EXPECT().Close(websocket.StatusGoingAway, "liveness timeout").
			DoAndReturn(func(websocket.StatusCode, string) error {
				close(stop)
				return nil
			})

		require.NoError(t, sess.handshake(t.Context(), conn))
		assert.Equal(t, 10*time.Second, sess.PingTimeout())

		// Nothing arrives. One tick past the ping timeout the watchdog
		// must have closed the transport, which surfaces as an
		// unexpected loss.
		time.Sleep(12 * time.Second)
		synctest.Wait()

		assert.False(t, sess.Connected())
		assert.Equal(t, 1, downs)
	})
}

func TestWatchdog_QuietWhileTrafficFlows(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)
		sess := newTestSession(t, newTestTokens(ctrl, "tok123"), nil)

		stop := make(chan struct{})

		// A frame every 3 seconds keeps idle time well under the 10s
		// ping timeout. No StatusGoingAway close is expected; the mock
		// would fail the test on one.
		gomock.InOrder(
			conn.EXPECT().SetReadLimit(gomock.Any()),
			conn.EXPECT().Read(gomock.Any()).
				Return(websocket.MessageText, []byte(`0{"sid":"s","pingInterval":5000,"pingTimeout":10000}`), nil),
			conn.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
				Return(nil),
			conn.EXPECT().Read(gomock.Any()).DoAndReturn(
				func(ctx context.Context) (websocket.MessageType, []byte, error) {
					time.Sleep(3 * time.Second)
					return websocket.MessageText, []byte("3"), nil
				}).Times(10),
			expectBlockedRead(conn, stop),
		)

		conn.EXPECT().Close(websocket.StatusNormalClosure, "shutting down").
			DoAndReturn(func(websocket.StatusCode, string) error {
				close(stop)
				return nil
			})

		require.NoError(t, sess.handshake(t.Context(), conn))

		time.Sleep(31 * time.Second)
		synctest.Wait()

		assert.True(t, sess.Connected(), "regular traffic must keep the watchdog quiet")

		require.NoError(t, sess.Close())
	})
}

func TestWatchdog_SkipsCheckBeforeFirstTraffic(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)
		sess := newTestSession(t, newTestTokens(ctrl, ""), nil)

		// Started by hand with no traffic recorded: the idle check must
		// not fire no matter how long nothing arrives.
		sess.startWatchdog(conn, 10*time.Second)

		time.Sleep(time.Minute)
		synctest.Wait()

		sess.stopWatchdog()
	})
}

func TestWatchdog_DoubleStartIsNoOp(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		ctrl := gomock.NewController(t)
		conn := NewMockWSConn(ctrl)
		sess := newTestSession(t, newTestTokens(ctrl, ""), nil)

		sess.startWatchdog(conn, 10*time.Second)
		sess.startWatchdog(conn, 10*time.Second)

		// A single stop must account for every goroutine started; the
		// bubble exiting cleanly is the assertion.
		sess.stopWatchdog()
	})
}

func TestWatchdog_StopWithoutStartIsSafe(t *testing.T) {
	ctrl := gomock.NewController(t)
	sess := newTestSession(t, newTestTokens(ctrl, ""), nil)

	sess.stopWatchdog()
}
