package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mocapctl/internal/control"
	"mocapctl/internal/pose"
)

type fakeSocket struct {
	in     chan zmq4.Msg
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	sent    [][]byte
	sendErr error
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{in: make(chan zmq4.Msg, 16), closed: make(chan struct{})}
}

func (s *fakeSocket) Recv() (zmq4.Msg, error) {
	select {
	case m := <-s.in:
		return m, nil
	case <-s.closed:
		return zmq4.Msg{}, errors.New("socket closed")
	}
}

func (s *fakeSocket) Send(m zmq4.Msg) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, append([]byte(nil), m.Frames[0]...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) payloads() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sent))
	for _, b := range s.sent {
		out = append(out, string(b))
	}
	return out
}

func recvWithin(t *testing.T, ch <-chan Received) Received {
	t.Helper()
	select {
	case r, ok := <-ch:
		require.True(t, ok, "frames channel closed")
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return Received{}
}

func TestPoseServer_AcksAndDelivers(t *testing.T) {
	sock := newFakeSocket()
	srv := newPoseServer(sock)
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	srv.now = func() time.Time { return at }

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	good, err := pose.Marshal(pose.Frame{Position: pose.Vec3{X: 1, Y: 2, Z: 3}, Orient: pose.Quaternion{W: 1}, Delta: 0.008, Tracked: true})
	require.NoError(t, err)
	sock.in <- zmq4.NewMsg(good)
	sock.in <- zmq4.NewMsg([]byte{0xc1})

	r := recvWithin(t, srv.Frames())
	require.NoError(t, r.Err)
	assert.Equal(t, pose.Vec3{X: 1, Y: 2, Z: 3}, r.Frame.Position)
	assert.True(t, r.Frame.Tracked)
	assert.Equal(t, at, r.Frame.ReceivedAt)
	assert.Equal(t, good, r.Frame.Raw)

	r = recvWithin(t, srv.Frames())
	assert.ErrorIs(t, r.Err, pose.ErrMalformedFrame)
	assert.Equal(t, at, r.Frame.ReceivedAt)
	assert.Equal(t, []byte{0xc1}, r.Frame.Raw)

	assert.Equal(t, []string{"Ack", "Ack"}, sock.payloads())

	cancel()
	require.NoError(t, <-errCh)
	_, ok := <-srv.Frames()
	assert.False(t, ok)
}

func TestPoseServer_AckFailureStopsRun(t *testing.T) {
	sock := newFakeSocket()
	sock.sendErr = errors.New("broken pipe")
	srv := newPoseServer(sock)
	sock.in <- zmq4.NewMsg([]byte{0x90})

	err := srv.Run(context.Background())
	assert.ErrorIs(t, err, sock.sendErr)
}

func TestEncodeCommand(t *testing.T) {
	b, err := EncodeCommand("mocap-1", control.Command{Roll: 1, Pitch: -2, Yaw: 3.5, Thrust: 50})
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":1,"client_name":"mocap-1","ctrl":{"roll":1,"pitch":-2,"yaw":3.5,"thrust":50}}`, string(b))
}

func TestCommandPusher_PushReplacesOldest(t *testing.T) {
	sock := newFakeSocket()
	p := newCommandPusher(sock, "c", 1)
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Push(control.Command{Thrust: float64(i)}))
	}
	assert.Equal(t, uint64(2), p.Stats().Replaced)
	assert.Error(t, p.Flush(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	require.NoError(t, p.Flush(2*time.Second))

	got := sock.payloads()
	require.Len(t, got, 1)
	assert.Contains(t, got[0], `"thrust":2`)
	assert.Equal(t, uint64(1), p.Stats().Sent)
}

func TestCommandPusher_PushWaitHonorsContext(t *testing.T) {
	p := newCommandPusher(newFakeSocket(), "c", 1)
	require.NoError(t, p.PushWait(context.Background(), control.Command{}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.PushWait(ctx, control.Command{}), context.DeadlineExceeded)
	assert.Equal(t, uint64(0), p.Stats().Replaced)
}

func TestCommandPusher_SendErrorsAreCounted(t *testing.T) {
	sock := newFakeSocket()
	sock.sendErr = errors.New("no peer")
	p := newCommandPusher(sock, "c", 4)
	require.NoError(t, p.Push(control.Command{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	require.NoError(t, p.Flush(2*time.Second))
	assert.Equal(t, uint64(1), p.Stats().SendErrs)
}

func TestDecodeSetpoints(t *testing.T) {
	u, err := DecodeSetpoints([]byte(`{"set-points":{"yaw":45,"velocity":-0.5}}`))
	require.NoError(t, err)
	require.NotNil(t, u.Yaw)
	require.NotNil(t, u.Velocity)
	assert.Equal(t, 45.0, *u.Yaw)
	assert.Equal(t, -0.5, *u.Velocity)
	assert.Nil(t, u.Roll)
	assert.Nil(t, u.Pitch)

	_, err = DecodeSetpoints([]byte(`{"yaw":45}`))
	assert.ErrorIs(t, err, ErrNoSetpoints)
	_, err = DecodeSetpoints([]byte(`{"set-points":`))
	assert.Error(t, err)

	roll := 0.25
	b, err := EncodeSetpoints(control.SetpointUpdate{Roll: &roll})
	require.NoError(t, err)
	assert.JSONEq(t, `{"set-points":{"roll":0.25}}`, string(b))
}

func TestSetpointPuller_ForwardsAndSkipsGarbage(t *testing.T) {
	sock := newFakeSocket()
	p := newSetpointPuller(sock, 4)
	sock.in <- zmq4.NewMsg([]byte(`not json`))
	sock.in <- zmq4.NewMsg([]byte(`{"set-points":{"pitch":-1}}`))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	select {
	case u := <-p.Updates():
		require.NotNil(t, u.Pitch)
		assert.Equal(t, -1.0, *u.Pitch)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for setpoint")
	}
	cancel()
	require.NoError(t, <-errCh)
}

func TestSetpointPuller_FullQueueKeepsNewest(t *testing.T) {
	p := newSetpointPuller(newFakeSocket(), 2)
	for i := 1; i <= 3; i++ {
		v := float64(i)
		p.forward(control.SetpointUpdate{Yaw: &v})
	}
	first := <-p.Updates()
	second := <-p.Updates()
	assert.Equal(t, 2.0, *first.Yaw)
	assert.Equal(t, 3.0, *second.Yaw)
	assert.Equal(t, uint64(1), p.dropped)
}

func TestTelemetrySink_Send(t *testing.T) {
	sock := newFakeSocket()
	s := &TelemetrySink{sock: sock}
	require.NoError(t, s.Send([]byte(`{"name":"yaw"}`)))
	assert.Equal(t, []string{`{"name":"yaw"}`}, sock.payloads())
	require.NoError(t, s.Close())
}
