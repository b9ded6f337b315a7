package ingress

import (
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"metlo-agent-core/internal/logger"
	"metlo-agent-core/internal/trace"
)

func TestServer_DecodesOneTracePerLine(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "test.sock")

	var mu sync.Mutex
	var got []*trace.ApiTrace
	done := make(chan struct{}, 2)

	srv := New(sockPath, func(tr *trace.ApiTrace) {
		mu.Lock()
		got = append(got, tr)
		mu.Unlock()
		done <- struct{}{}
	}, logger.New("INGRESS", "error"))

	go srv.ListenAndServe() //nolint:errcheck // server lifetime managed by Close below
	waitForSocket(t, sockPath)
	defer srv.Close()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	_, err = conn.Write([]byte(`{"request":{"method":"GET","url":{"host":"a","path":"/x"}}}` + "\n" +
		`{"request":{"method":"POST","url":{"host":"b","path":"/y"}}}` + "\n"))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for handler invocations")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 decoded traces, got %d", len(got))
	}
}

func TestServer_MalformedLine_SkippedConnectionStaysOpen(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	done := make(chan struct{}, 1)

	srv := New(sockPath, func(tr *trace.ApiTrace) {
		done <- struct{}{}
	}, logger.New("INGRESS", "error"))

	go srv.ListenAndServe() //nolint:errcheck
	waitForSocket(t, sockPath)
	defer srv.Close()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("not json\n{\"request\":{\"method\":\"GET\",\"url\":{\"host\":\"a\",\"path\":\"/x\"}}}\n")); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the well-formed line after the malformed one to still be handled")
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", path); err == nil {
			conn.Close()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket %s never became ready", path)
}
