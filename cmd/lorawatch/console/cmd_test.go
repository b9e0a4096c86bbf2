package console

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/lorawatch/internal/auth"
	"github.com/temoto/lorawatch/internal/frame"
	"github.com/temoto/lorawatch/internal/state"
	"github.com/temoto/lorawatch/log2"
)

type fakeModem struct {
	mu   sync.Mutex
	log  []string
	resp string
}

func (f *fakeModem) record(s string) {
	f.mu.Lock()
	f.log = append(f.log, s)
	f.mu.Unlock()
}

func (f *fakeModem) Command(ctx context.Context, cmd string, match func(string) bool, timeout time.Duration) (string, error) {
	f.record(cmd)
	if match != nil && !match(f.resp) {
		return "", errors.Timeoutf("fake cmd=%s", cmd)
	}
	return f.resp, nil
}
func (f *fakeModem) Init(ctx context.Context, rfcfg string) error {
	f.record("init " + rfcfg)
	return nil
}
func (f *fakeModem) Probe(ctx context.Context) error   { f.record("probe"); return nil }
func (f *fakeModem) Receive(ctx context.Context) error { f.record("rx"); return nil }
func (f *fakeModem) Transmit(ctx context.Context, payloadHex string, timeout time.Duration) error {
	f.record("tx " + payloadHex)
	return nil
}
func (f *fakeModem) Lines() <-chan string { return nil }

func TestParseLine(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
		loop  int
		kinds []actionKind
		err   string
	}{
		{"empty", "", 1, nil, ""},
		{"raw", "AT+VER", 1, []actionKind{actRaw}, ""},
		{"mixed", "probe s10 tx=0aff rx", 1, []actionKind{actProbe, actPause, actTx, actRx}, ""},
		{"loop", "loop=3 probe", 3, []actionKind{actProbe}, ""},
		{"bad-loop", "loop=0", 1, nil, "loop word=loop=0 not valid"},
		{"bad-hex", "tx=XYZ", 1, nil, "payload hex word=tx=XYZ not valid"},
		{"bad-pause", "sfoo", 1, nil, "pause word=sfoo not valid"},
		{"unknown", "reboot", 1, nil, "word=reboot not supported"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			sc, err := parseLine(c.input)
			if c.err != "" {
				require.Error(t, err)
				assert.Equal(t, c.err, err.Error())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.loop, sc.loop)
			kinds := make([]actionKind, 0, len(sc.actions))
			for _, a := range sc.actions {
				kinds = append(kinds, a.kind)
			}
			if len(c.kinds) == 0 {
				assert.Empty(t, kinds)
			} else {
				assert.Equal(t, c.kinds, kinds)
			}
		})
	}
}

func TestShellRun(t *testing.T) {
	t.Parallel()

	m := &fakeModem{resp: "+VER: 4.0.11"}
	cfg := &state.Config{Secret: "IoT_Secure_test"}
	cfg.Radio.RFConfig = "868,SF7,125,12,15,14"
	s := &Shell{Log: log2.NewTest(t, log2.LDebug), Modem: m, Config: cfg}
	ctx := context.Background()

	require.NoError(t, s.Run(ctx, "AT+VER loop=2 probe"))
	require.NoError(t, s.Run(ctx, "init rx tx=00ff log=yes"))
	assert.Equal(t, []string{"AT+VER", "probe", "AT+VER", "probe", "init 868,SF7,125,12,15,14", "rx", "tx 00FF"}, m.log)

	m.resp = "junk"
	err := s.Run(ctx, "AT+MODE=TEST")
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(errors.Cause(err)))
}

func TestShellDecode(t *testing.T) {
	t.Parallel()

	buf := new(strings.Builder)
	log := log2.NewWriter(buf, log2.LInfo)
	cfg := &state.Config{Secret: "IoT_Secure_test"}
	s := &Shell{Log: log, Modem: &fakeModem{}, Config: cfg}
	f := auth.SignFrame([]byte(cfg.Secret), frame.NewData(2, 7, 21.5, 40, true))

	require.NoError(t, s.Run(context.Background(), "decode="+f.Encode()))
	assert.Contains(t, buf.String(), "verify=<nil>")
	assert.Error(t, s.Run(context.Background(), "decode=00"))
}
