package engine

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeEngine speaks just enough of the control protocol for the client:
// one response per command line, each terminated by END.
type fakeEngine struct {
	ln        net.Listener
	responses map[string]string // command prefix → response body (before END)
	open      atomic.Int32
	maxOpen   atomic.Int32
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fe := &fakeEngine{ln: ln, responses: map[string]string{}}
	go fe.serve()
	t.Cleanup(func() { ln.Close() })
	return fe
}

func (fe *fakeEngine) serve() {
	for {
		conn, err := fe.ln.Accept()
		if err != nil {
			return
		}
		n := fe.open.Add(1)
		for {
			if m := fe.maxOpen.Load(); n > m {
				if fe.maxOpen.CompareAndSwap(m, n) {
					break
				}
				continue
			}
			break
		}
		go fe.handle(conn)
	}
}

func (fe *fakeEngine) handle(conn net.Conn) {
	defer func() {
		fe.open.Add(-1)
		conn.Close()
	}()
	rd := bufio.NewReader(conn)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		if cmd == "quit" {
			return
		}
		body := ""
		for prefix, resp := range fe.responses {
			if strings.HasPrefix(cmd, prefix) {
				body = resp
				break
			}
		}
		if body != "" {
			conn.Write([]byte(body))
			if !strings.HasSuffix(body, "\n") {
				conn.Write([]byte("\n"))
			}
		}
		conn.Write([]byte("END\n"))
	}
}

func startClient(t *testing.T, addr string) *Client {
	t.Helper()
	c := New(Options{
		Addr:       addr,
		Queue:      "tts",
		Output:     "icecast",
		CmdTimeout: time.Second,
		Log:        zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Run(ctx)
	return c
}

func TestNow(t *testing.T) {
	fe := newFakeEngine(t)
	fe.responses["output.icecast.metadata"] = strings.Join([]string{
		`--- 1 ---`,
		`title="Midnight City"`,
		`artist="M83"`,
		`album="Hurry Up, We're Dreaming"`,
		`filename="/music/m83/midnight_city.mp3"`,
		`duration="243.5"`,
		`--- 2 ---`,
		`title="Stale Entry"`,
	}, "\n")

	c := startClient(t, fe.ln.Addr().String())
	now, err := c.Now(context.Background())
	if err != nil {
		t.Fatalf("Now: %v", err)
	}
	if now.Title != "Midnight City" || now.Artist != "M83" {
		t.Errorf("now = %+v", now)
	}
	if now.DurationMS != 243_500 {
		t.Errorf("duration = %d, want 243500", now.DurationMS)
	}
	if !c.Connected() {
		t.Error("Connected() = false after successful command")
	}
}

func TestUpcomingExcludesOnAir(t *testing.T) {
	fe := newFakeEngine(t)
	fe.responses["request.all"] = "12 13 14"
	fe.responses["request.on_air"] = "12"
	fe.responses["request.metadata 13"] = "title=\"Bt\"\nartist=\"Ba\""
	fe.responses["request.metadata 14"] = "title=\"Ct\"\nartist=\"Ca\""

	c := startClient(t, fe.ln.Addr().String())
	refs, err := c.Upcoming(context.Background(), 8)
	if err != nil {
		t.Fatalf("Upcoming: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("got %d refs, want 2: %+v", len(refs), refs)
	}
	if refs[0].Title != "Bt" || refs[0].RequestID != "13" {
		t.Errorf("first = %+v", refs[0])
	}
}

func TestUpcomingHonorsLimit(t *testing.T) {
	fe := newFakeEngine(t)
	fe.responses["request.all"] = "1 2 3 4"
	fe.responses["request.on_air"] = ""
	for _, id := range []string{"1", "2", "3", "4"} {
		fe.responses["request.metadata "+id] = `title="t` + id + `"`
	}

	c := startClient(t, fe.ln.Addr().String())
	refs, err := c.Upcoming(context.Background(), 2)
	if err != nil {
		t.Fatalf("Upcoming: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("got %d refs, want 2", len(refs))
	}
}

func TestEnqueueTTS(t *testing.T) {
	t.Run("push_accepted", func(t *testing.T) {
		fe := newFakeEngine(t)
		fe.responses["tts.push"] = "15"
		c := startClient(t, fe.ln.Addr().String())
		if err := c.EnqueueTTS(context.Background(), "/tts/intro_1.mp3"); err != nil {
			t.Fatalf("EnqueueTTS: %v", err)
		}
	})

	t.Run("push_rejected", func(t *testing.T) {
		fe := newFakeEngine(t)
		fe.responses["tts.push"] = "ERROR: unknown queue"
		c := startClient(t, fe.ln.Addr().String())
		err := c.EnqueueTTS(context.Background(), "/tts/intro_1.mp3")
		if !errors.Is(err, ErrRejected) {
			t.Fatalf("err = %v, want ErrRejected", err)
		}
	})
}

func TestSingleConnection(t *testing.T) {
	fe := newFakeEngine(t)
	fe.responses["output.icecast.skip"] = ""

	c := startClient(t, fe.ln.Addr().String())
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			c.Skip(context.Background())
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	if max := fe.maxOpen.Load(); max > 1 {
		t.Errorf("engine saw %d concurrent connections, want <= 1", max)
	}
}

func TestReconnectAfterFailure(t *testing.T) {
	// No server yet: the first command fails with ErrUnavailable.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	c := startClient(t, addr)
	if err := c.Skip(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if c.Connected() {
		t.Error("Connected() = true after dial failure")
	}

	// Bring the engine up at the same address and wait out the backoff.
	ln2, err := net.Listen("tcp", addr)
	if err != nil {
		t.Skipf("could not rebind %s: %v", addr, err)
	}
	fe := &fakeEngine{ln: ln2, responses: map[string]string{"output.icecast.skip": ""}}
	go fe.serve()
	defer ln2.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if err := c.Skip(context.Background()); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("client never recovered after engine came back")
}
