package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Uberschutz/UberSniff/internal/config"
	"github.com/Uberschutz/UberSniff/internal/types"
)

type fakeSniffer struct {
	mu      sync.Mutex
	source  string
	started int
	stopped int
	changes []string
	running bool
	done    chan struct{}
	err     error

	onStart func() // 在 Start 中同步执行
	finish  bool   // onStart 之后自行结束，模拟回放读完
}

func (f *fakeSniffer) Start(ctx context.Context) error {
	f.mu.Lock()
	f.started++
	f.running = true
	f.done = make(chan struct{})
	onStart := f.onStart
	f.mu.Unlock()

	if onStart != nil {
		onStart()
	}
	if f.finish {
		f.end()
	}
	return nil
}

func (f *fakeSniffer) end() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		f.running = false
		close(f.done)
	}
}

func (f *fakeSniffer) Stop() {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	f.end()
}

func (f *fakeSniffer) IsSniffing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeSniffer) ChangeInterface(name string) error {
	f.Stop()
	f.mu.Lock()
	f.source = name
	f.changes = append(f.changes, name)
	f.mu.Unlock()
	return f.Start(context.Background())
}

func (f *fakeSniffer) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *fakeSniffer) Err() error { return f.err }

func (f *fakeSniffer) Source() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.source
}

type fakeExporter struct {
	mu      sync.Mutex
	batches []types.DataBatches
}

func (e *fakeExporter) Export(b types.DataBatches) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches = append(e.batches, b)
	return nil
}

func (e *fakeExporter) texts(src string) map[string]int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := map[string]int{}
	for _, bs := range e.batches {
		if b, ok := bs[src]; ok {
			for k, v := range b.Texts {
				out[k] += v
			}
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := &config.Config{Export: config.ExportConfig{Sink: config.SinkNone}}
	cfg.SetDefaults()
	cfg.PollInterval.Duration = time.Millisecond
	return cfg
}

var (
	testStream = types.StreamID{ClientIP: "10.0.0.1", ClientPort: 50000, ServerIP: "10.0.0.2", ServerPort: 80}
	request    = "GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"
	response   = "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: 22\r\n\r\n<p>hi</p>\nHello World\n"
)

func feedExchange(m *Monitor) {
	m.sessions.OnNewStream(testStream)
	m.sessions.OnPayload(testStream, types.DirectionClient, []byte(request))
	m.sessions.OnPayload(testStream, types.DirectionServer, []byte(response))
	m.sessions.OnStreamClosed(testStream)
}

func TestReplayExportsAndReturns(t *testing.T) {
	exp := &fakeExporter{}
	var dump strings.Builder
	m := New(testConfig(), exp, WithReplay("capture.pcap"), WithDump(&dump))

	fake := &fakeSniffer{finish: true}
	fake.onStart = func() { feedExchange(m) }
	m.newSniffer = func(source string) sniffer {
		fake.source = source
		return fake
	}

	if err := m.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if fake.source != "capture.pcap" {
		t.Errorf("expected replay source, got %s", fake.source)
	}
	texts := exp.texts("http://example.com")
	if len(texts) != 1 || texts["Hello World"] != 1 {
		t.Errorf("unexpected exported texts %v", texts)
	}
	if !strings.Contains(dump.String(), "UrlSrc: http://example.com") {
		t.Errorf("expected batches to be dumped, got:\n%s", dump.String())
	}
	if m.Stats().TextExchanges.Load() != 1 {
		t.Errorf("expected 1 text exchange, got %d", m.Stats().TextExchanges.Load())
	}
}

func TestReplayCaptureError(t *testing.T) {
	m := New(testConfig(), &fakeExporter{}, WithReplay("broken.pcap"))
	boom := errors.New("capture loop panic")
	fake := &fakeSniffer{finish: true, err: boom}
	m.newSniffer = func(string) sniffer { return fake }

	if err := m.Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("expected capture error, got %v", err)
	}
}

func TestLiveRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Interface = "eth0"
	exp := &fakeExporter{}
	m := New(cfg, exp)

	fake := &fakeSniffer{}
	fake.onStart = func() { feedExchange(m) }
	m.newSniffer = func(source string) sniffer {
		fake.source = source
		return fake
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for len(exp.texts("http://example.com")) == 0 {
		select {
		case <-deadline:
			t.Fatal("exchange was not exported")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
	if fake.IsSniffing() || fake.stopped == 0 {
		t.Errorf("expected capture to be stopped")
	}
	if fake.source != "eth0" {
		t.Errorf("expected configured interface, got %s", fake.source)
	}
}

func TestRunTwice(t *testing.T) {
	m := New(testConfig(), nil)
	m.running = true
	if err := m.Run(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestFollowDefaultInterface(t *testing.T) {
	m := New(testConfig(), nil)
	fake := &fakeSniffer{source: "eth0"}
	_ = fake.Start(context.Background())
	m.sniffer = fake

	current := "eth0"
	m.defaultIface = func() (string, error) { return current, nil }

	if m.followDefault() {
		t.Errorf("expected no change while the default interface is unchanged")
	}

	current = "wlan0"
	if !m.followDefault() {
		t.Fatalf("expected capture to move to the new default interface")
	}
	if fake.Source() != "wlan0" || len(fake.changes) != 1 {
		t.Errorf("unexpected interface changes %v", fake.changes)
	}

	m.defaultIface = func() (string, error) { return "", errors.New("no route") }
	if m.followDefault() {
		t.Errorf("lookup errors must not restart capture")
	}
}

func TestResolveSourceUsesDefaultInterface(t *testing.T) {
	m := New(testConfig(), nil)
	m.defaultIface = func() (string, error) { return "en0", nil }

	source, follow, err := m.resolveSource()
	if err != nil || source != "en0" || !follow {
		t.Errorf("expected default interface to be followed, got %s %v %v", source, follow, err)
	}
}

func TestFlushSkipsEmptyBatches(t *testing.T) {
	exp := &fakeExporter{}
	m := New(testConfig(), exp)
	m.flush()
	if len(exp.batches) != 0 {
		t.Errorf("expected no export for empty batches")
	}
}
