package adapter_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/lorawatch/internal/adapter"
	"github.com/temoto/lorawatch/internal/state"
	"github.com/temoto/lorawatch/internal/tele"
	"github.com/temoto/lorawatch/log2"
	"github.com/temoto/lorawatch/tele/mqtt"
	"github.com/temoto/spq"
)

const (
	testSecret  = "IoT_Secure_test"
	testTimeout = 3 * time.Second
)

type published struct {
	topic   string
	payload string
}

func newTestGlobal(t testing.TB, dbPath string) *state.Global {
	g := state.NewGlobal(log2.NewTest(t, log2.LDebug))
	cfg := &state.Config{Secret: testSecret}
	cfg.Tele.Sources = []state.SourceConfig{
		{Name: "fablab", Topic: "cesi/fablab"},
		{Name: "garden", Topic: "cesi/garden", PeerId: 7},
	}
	cfg.Adapter.DBPath = dbPath
	g.Config = cfg
	return g
}

func newTestAdapter(t testing.TB, dbPath string) (*adapter.Adapter, chan published) {
	if dbPath == "" {
		dbPath = filepath.Join(t.TempDir(), "adapter.db")
	}
	a, err := adapter.New(context.Background(), newTestGlobal(t, dbPath))
	require.NoError(t, err)
	out := make(chan published, 16)
	a.Publish = func(topic string, payload []byte) error {
		out <- published{topic, string(payload)}
		return nil
	}
	a.Now = func() time.Time { return time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC) }
	return a, out
}

func signed(source string, seq uint32, temp, hum float64) []byte {
	tm := tele.Telemetry{Source: source, Temperature: temp, Humidity: hum, Seq: seq}
	return tele.SignPayload([]byte(testSecret), tm.Canonical())
}

func expectPublished(t testing.TB, out chan published) published {
	t.Helper()
	select {
	case p := <-out:
		return p
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting handshake response")
		return published{}
	}
}

func TestHandshake(t *testing.T) {
	t.Parallel()

	a, out := newTestAdapter(t, "")
	defer a.Close()
	ctx := context.Background()

	assert.Equal(t, adapter.OutcomeHandshake, a.HandleMessage(ctx, "handshake/request", []byte(`{"id":"fablab"}`)))
	assert.Equal(t, published{"handshake/response/fablab", `{"seq":1}`}, expectPublished(t, out))

	require.Equal(t, adapter.OutcomeAccepted, a.HandleMessage(ctx, "cesi/fablab", signed("fablab", 7, 20, 50)))
	assert.Equal(t, adapter.OutcomeHandshake, a.HandleMessage(ctx, "handshake/request", []byte(`{"id":"fablab"}`)))
	assert.Equal(t, published{"handshake/response/fablab", `{"seq":8}`}, expectPublished(t, out))

	assert.Equal(t, adapter.OutcomeInvalid, a.HandleMessage(ctx, "handshake/request", []byte(`{}`)))
}

func TestTelemetry(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, "")
	defer a.Close()
	ctx := context.Background()

	tampered := strings.Replace(string(signed("fablab", 9, 21.5, 40)), "21.5", "31.5", 1)
	cases := []struct {
		name    string
		topic   string
		payload []byte
		expect  adapter.Outcome
	}{
		{"first", "cesi/fablab", signed("fablab", 5, 23.5, 60.1), adapter.OutcomeAccepted},
		{"replay-same", "cesi/fablab", signed("fablab", 5, 23.5, 60.1), adapter.OutcomeReplay},
		{"replay-older", "cesi/fablab", signed("fablab", 4, 23.5, 60.1), adapter.OutcomeReplay},
		{"next", "cesi/fablab", signed("fablab", 6, 23.6, 60.0), adapter.OutcomeAccepted},
		{"gap", "cesi/fablab", signed("fablab", 9, 23.7, 60.0), adapter.OutcomeAccepted},
		{"other-source", "cesi/garden", signed("garden", 1, 10, 90), adapter.OutcomeAccepted},
		{"source-topic-mismatch", "cesi/garden", signed("fablab", 10, 10, 90), adapter.OutcomeInvalid},
		{"tampered", "cesi/fablab", []byte(tampered), adapter.OutcomeAuthError},
		{"unsigned", "cesi/fablab", []byte(`{"source":"fablab","temperature":1.0,"humidity":1.0,"seq":10}`), adapter.OutcomeInvalid},
		{"garbage", "cesi/fablab", []byte("hello"), adapter.OutcomeInvalid},
	}
	// sequential, each case depends on accepted history
	for _, c := range cases {
		assert.Equal(t, c.expect, a.HandleMessage(ctx, c.topic, c.payload), c.name)
	}

	readings, err := a.DB.Readings(ctx, "fablab", 10)
	require.NoError(t, err)
	require.Len(t, readings, 3)
	assert.Equal(t, uint32(9), readings[0].Seq)
	assert.Equal(t, 23.7, readings[0].Temperature)
	assert.Equal(t, uint32(5), readings[2].Seq)

	all, err := a.DB.Readings(ctx, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	sources, err := a.DB.Sources(ctx)
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "fablab", sources[0].Name)
	assert.Equal(t, uint32(9), sources[0].LastSeq)
	assert.Equal(t, uint32(10), a.NextSeq("fablab"), "mismatched topic does not consume sequence")
}

func TestStoreErrorKeepsSequence(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "adapter.db")
	a, _ := newTestAdapter(t, path)
	ctx := context.Background()
	require.Equal(t, adapter.OutcomeAccepted, a.HandleMessage(ctx, "cesi/fablab", signed("fablab", 3, 20, 50)))

	require.NoError(t, a.DB.Close())
	assert.Equal(t, adapter.OutcomeStoreError, a.HandleMessage(ctx, "cesi/fablab", signed("fablab", 4, 20, 50)))
	assert.Equal(t, adapter.OutcomeStoreError, a.HandleMessage(ctx, "cesi/garden", signed("garden", 1, 20, 50)))
	assert.Equal(t, uint32(4), a.NextSeq("fablab"))
	assert.Equal(t, uint32(1), a.NextSeq("garden"))

	a2, _ := newTestAdapter(t, path)
	defer a2.Close()
	assert.Equal(t, adapter.OutcomeAccepted, a2.HandleMessage(ctx, "cesi/fablab", signed("fablab", 4, 20, 50)))
}

func TestReplayTableRestored(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "adapter.db")
	a, _ := newTestAdapter(t, path)
	require.Equal(t, adapter.OutcomeAccepted, a.HandleMessage(context.Background(), "cesi/fablab", signed("fablab", 41, 20, 50)))
	a.Close()

	a2, _ := newTestAdapter(t, path)
	defer a2.Close()
	assert.Equal(t, uint32(42), a2.NextSeq("fablab"))
	assert.Equal(t, uint32(1), a2.NextSeq("garden"))
	assert.Equal(t, adapter.OutcomeReplay, a2.HandleMessage(context.Background(), "cesi/fablab", signed("fablab", 41, 20, 50)))
}

func TestAPI(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, "")
	defer a.Close()
	ctx := context.Background()
	for seq := uint32(1); seq <= 3; seq++ {
		require.Equal(t, adapter.OutcomeAccepted, a.HandleMessage(ctx, "cesi/fablab", signed("fablab", seq, 20+float64(seq), 50)))
	}
	require.Equal(t, adapter.OutcomeAccepted, a.HandleMessage(ctx, "cesi/garden", signed("garden", 1, 5, 95)))

	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	cases := []struct {
		name   string
		path   string
		status int
		check  func(t *testing.T, body []byte)
	}{
		{"readings-source-limit", "/api/readings?source=fablab&limit=2", http.StatusOK, func(t *testing.T, body []byte) {
			var rs []adapter.Reading
			require.NoError(t, json.Unmarshal(body, &rs))
			require.Len(t, rs, 2)
			assert.Equal(t, uint32(3), rs[0].Seq)
			assert.Equal(t, "fablab", rs[1].Source)
		}},
		{"readings-all", "/api/readings", http.StatusOK, func(t *testing.T, body []byte) {
			var rs []adapter.Reading
			require.NoError(t, json.Unmarshal(body, &rs))
			assert.Len(t, rs, 4)
		}},
		{"readings-bad-limit", "/api/readings?limit=x", http.StatusBadRequest, nil},
		{"sources", "/api/sources", http.StatusOK, func(t *testing.T, body []byte) {
			var ss []adapter.Source
			require.NoError(t, json.Unmarshal(body, &ss))
			require.Len(t, ss, 2)
			assert.Equal(t, "garden", ss[1].Name)
		}},
		{"next", "/api/sources/fablab/next", http.StatusOK, func(t *testing.T, body []byte) {
			assert.JSONEq(t, `{"seq":4}`, string(body))
		}},
		{"not-found", "/api/nope", http.StatusNotFound, nil},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + c.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, c.status, resp.StatusCode)
			if c.check != nil {
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				c.check(t, body)
			}
		})
	}
}

func TestWebsocketFeed(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, "")
	defer a.Close()
	srv := httptest.NewServer(a.Router())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return a.Hub.Len() == 1 }, testTimeout, 10*time.Millisecond)

	require.Equal(t, adapter.OutcomeAccepted, a.HandleMessage(context.Background(), "cesi/fablab", signed("fablab", 1, 23.5, 60.1)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	var r adapter.Reading
	require.NoError(t, json.Unmarshal(b, &r))
	assert.Equal(t, "fablab", r.Source)
	assert.Equal(t, 23.5, r.Temperature)

	// rejected message is not broadcast
	require.Equal(t, adapter.OutcomeReplay, a.HandleMessage(context.Background(), "cesi/fablab", signed("fablab", 1, 23.5, 60.1)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

// Gateway publisher, broker and adapter over real MQTT.
func TestEndToEnd(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	broker := mqtt.NewBroker(mqtt.Options{Log: log})
	defer broker.Close()
	require.NoError(t, broker.Listen(context.Background(), mqtt.ListenURLs([]string{"tcp://127.0.0.1:"}, 5*time.Second)))
	brokerURL := "tcp://" + broker.Addrs()[0]

	a, _ := newTestAdapter(t, "")
	defer a.Close()
	// previous history: publisher must continue after it
	require.Equal(t, adapter.OutcomeAccepted, a.HandleMessage(context.Background(), "cesi/fablab", signed("fablab", 20, 1, 1)))
	a.Log = log
	require.NoError(t, a.Connect(brokerURL, 5*time.Second))

	g := newTestGlobal(t, "")
	g.Config.Tele = state.TeleConfig{
		Enable:            true,
		MqttBroker:        brokerURL,
		NetworkTimeoutSec: 5,
		HandshakeRetrySec: 1,
		PersistPath:       spq.OnlyForTesting,
		Sources:           []state.SourceConfig{{Name: "fablab", Topic: "cesi/fablab"}},
	}
	g.Store.UpdateLocalReading(state.Reading{Temperature: 23.5, Humidity: 60.1, Valid: true})
	p := tele.New()
	require.NoError(t, p.Init(context.Background(), g))
	defer p.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx) //nolint:errcheck

	require.Eventually(t, func() bool { return g.Store.IsHandshakeComplete("fablab") }, testTimeout, 10*time.Millisecond)
	p.PublishAll(time.Now(), true)
	require.Eventually(t, func() bool { return a.NextSeq("fablab") == 22 }, testTimeout, 10*time.Millisecond)

	readings, err := a.DB.Readings(context.Background(), "fablab", 1)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, 23.5, readings[0].Temperature)
}
