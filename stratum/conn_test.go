package stratum

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// noopInitializer skips the handshake entirely: StateInitializing transits
// straight to StateOpen with a zero Description.
type noopInitializer struct{}

func (noopInitializer) Initialize(context.Context, *Connection) (Description, error) {
	return Description{}, nil
}

func pipeFactory(server net.Conn) StreamFactoryFunc {
	return func(ctx context.Context, endpoint Endpoint) (Stream, error) {
		return server, nil
	}
}

// newTestConnection wires a Connection to one half of a net.Pipe and
// returns the other half for a hand-rolled server loop to drive.
func newTestConnection(t *testing.T) (*Connection, net.Conn) {
	client, server := net.Pipe()
	conn := NewConnection("pipe", pipeFactory(client), noopInitializer{}, ConnectionSettings{MaxLifeTime: -1, MaxIdleTime: -1}, nil)
	require.NoError(t, conn.Open(context.Background()))
	return conn, server
}

// serveEcho answers every received frame with a reply tagged to the same
// response-to id, echoing the request id as the body's BE-encoded payload —
// enough for a test to assert the full round trip without any real protocol.
func serveEcho(t *testing.T, server net.Conn, delay time.Duration) {
	for {
		frame, err := readFrame(server)
		if err != nil {
			return
		}
		respID := frame.ResponseTo()
		frame.Dispose()

		if delay > 0 {
			time.Sleep(delay)
		}

		if _, err := server.Write(buildEchoReply(respID)); err != nil {
			return
		}
	}
}

func TestConnectionSendReceiveRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, server := newTestConnection(t)
	go serveEcho(t, server, 0)
	defer conn.Dispose()

	ctx := context.Background()
	msgs := []OutboundMessage{{RequestID: 1}}
	require.NoError(t, conn.Send(ctx, msgs, testEncoderFactory{}, nil))
	require.True(t, msgs[0].Sent())

	reply, err := conn.Receive(ctx, 1, testSelector, nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), reply.(testMessage).RequestID)
}

func TestConnectionOutOfOrderMultiplexing(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, server := newTestConnection(t)
	defer conn.Dispose()

	// net.Pipe is unbuffered: something must drain each outgoing Send on
	// the server side or the write blocks forever. The drained requests
	// themselves are irrelevant to this test.
	go func() {
		for {
			frame, err := readFrame(server)
			if err != nil {
				return
			}
			frame.Dispose()
		}
	}()

	ctx := context.Background()
	for _, id := range []int32{1, 2, 3} {
		require.NoError(t, conn.Send(ctx, []OutboundMessage{{RequestID: id}}, testEncoderFactory{}, nil))
	}

	// Server replies in reverse order: the coordinator must still route
	// each Receive(id) to the right caller regardless of wire order.
	go func() {
		for _, id := range []int32{3, 2, 1} {
			_, _ = server.Write(buildEchoReply(id))
		}
	}()

	var wg sync.WaitGroup
	results := make(map[int32]int32)
	var mu sync.Mutex
	for _, id := range []int32{1, 2, 3} {
		wg.Add(1)
		go func(id int32) {
			defer wg.Done()
			reply, err := conn.Receive(ctx, id, testSelector, nil)
			require.NoError(t, err)
			mu.Lock()
			results[id] = reply.(testMessage).RequestID
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	require.Equal(t, map[int32]int32{1: 1, 2: 2, 3: 3}, results)
}

func TestConnectionReceiveCancellation(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, server := newTestConnection(t)
	defer server.Close()

	// First caller claims the reader role and blocks waiting for a frame
	// that never arrives; a second caller behind it is a pure awaiter,
	// which is the path that actually honors ctx while waiting.
	readerStarted := make(chan struct{})
	readerDone := make(chan error, 1)
	go func() {
		close(readerStarted)
		_, err := conn.Receive(context.Background(), 1, testSelector, nil)
		readerDone <- err
	}()
	<-readerStarted
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := conn.Receive(ctx, 99, testSelector, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	conn.Dispose()
	require.Error(t, <-readerDone)
}

func TestConnectionDisposeUnblocksPendingReceive(t *testing.T) {
	defer goleak.VerifyNone(t)

	conn, server := newTestConnection(t)
	defer server.Close()

	done := make(chan error, 1)
	go func() {
		_, err := conn.Receive(context.Background(), 1, testSelector, nil)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	conn.Dispose()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Receive did not unblock after Dispose")
	}
}

func TestConnectionIsExpiredByIdle(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, server := net.Pipe()
	defer server.Close()
	conn := NewConnection("pipe", pipeFactory(client), noopInitializer{}, ConnectionSettings{MaxLifeTime: -1, MaxIdleTime: time.Millisecond}, nil)
	require.NoError(t, conn.Open(context.Background()))
	defer conn.Dispose()

	require.False(t, conn.IsExpired())
	time.Sleep(10 * time.Millisecond)
	require.True(t, conn.IsExpired())
}

func TestConnectionOpenIsIdempotentUnderConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, server := net.Pipe()
	defer server.Close()
	conn := NewConnection("pipe", pipeFactory(client), noopInitializer{}, ConnectionSettings{MaxLifeTime: -1, MaxIdleTime: -1}, nil)
	defer conn.Dispose()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = conn.Open(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, StateOpen, conn.State())
}
