//go:build linux

package ltecho

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// testServe starts s on a loopback port and returns its address and a stop
// function returning Serve's result. stop also runs on test cleanup.
func testServe(t *testing.T, s *Server) (string, func() error) {
	if "" == s.Addr {
		s.Addr = "127.0.0.1:0"
	}
	require.NoError(t, s.Listen())

	done := make(chan error, 1)
	go func() {
		done <- s.Serve()
	}()

	var once sync.Once
	var serveErr error
	stop := func() error {
		once.Do(func() {
			require.NoError(t, s.Close())
			select {
			case serveErr = <-done:
			case <-time.After(2 * time.Second):
				t.Error("Serve did not return after Close")
			}
		})
		return serveErr
	}
	t.Cleanup(func() { _ = stop() })

	return s.ListenAddr().String(), stop
}

func testDial(t *testing.T, addr string) *net.TCPConn {
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn.(*net.TCPConn)
}

func testEcho(t *testing.T, conn net.Conn, msg string) {
	_, err := conn.Write([]byte(msg))
	require.NoError(t, err)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.Equal(t, msg, string(got))
}

func testRandomBuf(t *testing.T, size int) []byte {
	buf := make([]byte, size)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestTwoClientsScenario(t *testing.T) {
	closed := make(chan error, 4)
	s := &Server{
		OnClose: func(c Conn, err error) { closed <- err },
	}
	addr, _ := testServe(t, s)

	a := testDial(t, addr)
	b := testDial(t, addr)

	testEcho(t, a, "hello")
	testEcho(t, b, "x")

	require.NoError(t, a.Close())
	select {
	case err := <-closed:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("closed client was not torn down")
	}

	testEcho(t, b, "ping")
	require.EqualValues(t, 2, s.Stats().Accepts())
	require.EqualValues(t, 1, s.Stats().Closes())
}

func TestEchoSequence(t *testing.T) {
	s := &Server{BufferSize: 16}
	addr, _ := testServe(t, s)

	conn := testDial(t, addr)
	for _, msg := range []string{"a", "bb", "hello world", "123456789012345"} {
		testEcho(t, conn, msg)
	}
}

func TestEchoLargePayloadSplitsReads(t *testing.T) {
	s := &Server{BufferSize: 64}
	addr, _ := testServe(t, s)

	conn := testDial(t, addr)
	data := testRandomBuf(t, 64*100)

	go func() {
		_, _ = conn.Write(data)
	}()

	got := make([]byte, len(data))
	_, err := io.ReadFull(conn, got)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))

	// each read takes at most BufferSize-1 bytes
	require.GreaterOrEqual(t, s.Stats().Reads(), int64(len(data)/63))
	require.EqualValues(t, len(data), s.Stats().BytesRead())
}

func TestEchoQueuesShortWrites(t *testing.T) {
	s := &Server{
		BufferSize: 4096,
		OnOpen: func(c Conn) {
			_ = c.SetWriteBuffer(4096)
		},
	}
	addr, _ := testServe(t, s)

	conn := testDial(t, addr)
	require.NoError(t, conn.SetReadBuffer(4096))
	data := testRandomBuf(t, 1<<20)

	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(data)
		writeErr <- err
	}()

	// let both socket buffers fill up before draining
	time.Sleep(100 * time.Millisecond)

	got := make([]byte, len(data))
	_, err := io.ReadFull(conn, got)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, got))
	require.NoError(t, <-writeErr)

	require.Eventually(t, func() bool {
		return s.Stats().BytesWritten() == int64(len(data))
	}, time.Second, 10*time.Millisecond)
}

func TestHalfCloseEchoesThenTearsDown(t *testing.T) {
	closed := make(chan error, 1)
	s := &Server{
		OnClose: func(c Conn, err error) { closed <- err },
	}
	addr, _ := testServe(t, s)

	conn := testDial(t, addr)
	_, err := conn.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, conn.CloseWrite())

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Equal(t, "bye", string(got))

	select {
	case err := <-closed:
		require.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed after zero-length read")
	}
}

func TestReadCounterIsExact(t *testing.T) {
	s := &Server{}
	addr, _ := testServe(t, s)

	const clients, rounds = 3, 5

	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		conn := testDial(t, addr)
		wg.Add(1)
		go func(conn net.Conn, id int) {
			defer wg.Done()
			buf := make([]byte, 16)
			for r := 0; r < rounds; r++ {
				msg := []byte("c" + strconv.Itoa(id) + "r" + strconv.Itoa(r))
				if _, err := conn.Write(msg); nil != err {
					t.Error(err)
					return
				}
				if _, err := io.ReadFull(conn, buf[:len(msg)]); nil != err {
					t.Error(err)
					return
				}
			}
			_ = conn.Close()
		}(conn, i)
	}
	wg.Wait()

	// one read per message plus the zero-length read of each close
	require.Eventually(t, func() bool {
		return s.Stats().Closes() == clients
	}, 2*time.Second, 10*time.Millisecond)
	require.EqualValues(t, clients*rounds+clients, s.Stats().Reads())
	require.Equal(t, s.Stats().BytesRead(), s.Stats().BytesWritten())
}

func TestOnDataSeesReceivedBytes(t *testing.T) {
	type seen struct {
		data string
		nul  bool
	}
	received := make(chan seen, 1)

	s := &Server{
		OnData: func(c Conn, data []byte) {
			received <- seen{
				data: string(data),
				nul:  0 == data[:len(data)+1][len(data)],
			}
		},
	}
	addr, _ := testServe(t, s)

	conn := testDial(t, addr)
	testEcho(t, conn, "inspect me")

	got := <-received
	require.Equal(t, "inspect me", got.data)
	require.True(t, got.nul)
}

func TestHookCanCloseConnection(t *testing.T) {
	s := &Server{
		OnData: func(c Conn, data []byte) {
			if "quit" == string(data) {
				_ = c.Close()
			}
		},
	}
	addr, _ := testServe(t, s)

	conn := testDial(t, addr)
	testEcho(t, conn, "still here")

	_, err := conn.Write([]byte("quit"))
	require.NoError(t, err)

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestOnOpenExposesConn(t *testing.T) {
	opened := make(chan Conn, 1)
	s := &Server{
		OnOpen: func(c Conn) {
			c.SetContext("tagged")
			if err := c.SetNoDelay(true); nil != err {
				t.Error(err)
			}
			if err := c.SetKeepAlivePeriod(15); nil != err {
				t.Error(err)
			}
			opened <- c
		},
	}
	addr, _ := testServe(t, s)

	conn := testDial(t, addr)
	testEcho(t, conn, "hi")

	c := <-opened
	require.Equal(t, "tagged", c.Context())
	require.Positive(t, c.Fd())
	require.Equal(t, conn.LocalAddr().String(), c.RemoteAddr().String())
	require.Equal(t, conn.RemoteAddr().String(), c.LocalAddr().String())
}

func TestAcceptBurst(t *testing.T) {
	s := &Server{Backlog: 64}
	addr, _ := testServe(t, s)

	const n = 20
	conns := make([]*net.TCPConn, n)
	for i := range conns {
		conns[i] = testDial(t, addr)
	}
	for i, conn := range conns {
		testEcho(t, conn, "burst-"+strconv.Itoa(i))
	}
	require.EqualValues(t, n, s.Stats().Accepts())
}

func TestResetTearsDownWithoutRead(t *testing.T) {
	closed := make(chan error, 1)
	s := &Server{
		OnClose: func(c Conn, err error) { closed <- err },
	}
	addr, _ := testServe(t, s)

	conn := testDial(t, addr)
	testEcho(t, conn, "reset me")
	require.EqualValues(t, 1, s.Stats().Reads())

	// abortive close, the peer gets RST instead of FIN
	require.NoError(t, conn.SetLinger(0))
	require.NoError(t, conn.Close())

	select {
	case err := <-closed:
		require.ErrorIs(t, err, syscall.ECONNRESET)
		require.NotErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("reset connection was not torn down")
	}

	require.EqualValues(t, 1, s.Stats().Reads())
	require.EqualValues(t, 1, s.Stats().Closes())
}

func TestAcceptWithoutPendingConnection(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	s := &Server{
		Addr:   "127.0.0.1:0",
		Logger: zap.New(core),
	}
	require.NoError(t, s.Listen())

	// a listener notification with an empty queue: accept hits EAGAIN
	s.loop.accept()
	require.Equal(t, 1, logs.FilterMessage("no pending connection").Len())
	require.Zero(t, s.Stats().Accepts())
	require.Equal(t, 1, s.loop.conns.Len())

	addr, _ := testServe(t, s)
	conn := testDial(t, addr)
	testEcho(t, conn, "still serving")
	require.EqualValues(t, 1, s.Stats().Accepts())
}

func TestCloseStopsServe(t *testing.T) {
	closed := make(chan error, 1)
	s := &Server{
		OnClose: func(c Conn, err error) { closed <- err },
	}
	addr, stop := testServe(t, s)

	conn := testDial(t, addr)
	testEcho(t, conn, "before close")

	require.NoError(t, stop())
	require.ErrorIs(t, <-closed, ErrServerClosed)
	require.Zero(t, s.loop.conns.Len())

	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	require.Empty(t, got)

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Listen(), ErrServerClosed)
	require.ErrorIs(t, s.Serve(), ErrServerClosed)

	_, err = net.DialTimeout("tcp", addr, 200*time.Millisecond)
	require.Error(t, err)
}

func TestCloseBeforeServe(t *testing.T) {
	s := &Server{Addr: "127.0.0.1:0"}
	require.NoError(t, s.Listen())
	addr := s.ListenAddr().String()
	require.Positive(t, s.Backlog)

	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Serve(), ErrServerClosed)

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	require.Error(t, err)
}

func TestListenAddressInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	s := &Server{Addr: ln.Addr().String()}
	err = s.Listen()
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "listen"))
	require.Nil(t, s.ListenAddr())
}

func TestServeTwice(t *testing.T) {
	s := &Server{}
	addr, _ := testServe(t, s)

	// a round trip proves the first Serve owns the loop
	testEcho(t, testDial(t, addr), "ready")

	err := s.Serve()
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrServerClosed))
}

func TestStatsFileTracksReads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "epoll_server.log")
	s := &Server{
		StatsFile:     path,
		StatsInterval: 20 * time.Millisecond,
	}
	addr, stop := testServe(t, s)

	conn := testDial(t, addr)

	// the file is rewritten in place, a reader may catch it half written
	readStats := func() (n int64) {
		require.Eventually(t, func() bool {
			raw, err := os.ReadFile(path)
			if nil != err || !strings.HasSuffix(string(raw), "\n") {
				return false
			}
			n, err = strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
			return nil == err
		}, time.Second, time.Millisecond)
		return
	}

	var last int64
	for i := 0; i < 10; i++ {
		testEcho(t, conn, "tick")
		time.Sleep(25 * time.Millisecond)
		testEcho(t, conn, "tock")

		v := readStats()
		require.GreaterOrEqual(t, v, last)
		require.LessOrEqual(t, v, s.Stats().Reads())
		last = v
	}
	require.Positive(t, last)

	require.NoError(t, stop())
	require.Equal(t, s.Stats().Reads(), readStats())
}
