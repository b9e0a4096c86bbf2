// Package console is interactive AT command shell for radio modem bring-up.
package console

import (
	"context"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/lorawatch/cmd/lorawatch/subcmd"
	"github.com/temoto/lorawatch/helpers"
	"github.com/temoto/lorawatch/helpers/cli"
	"github.com/temoto/lorawatch/internal/auth"
	"github.com/temoto/lorawatch/internal/frame"
	"github.com/temoto/lorawatch/internal/state"
	"github.com/temoto/lorawatch/log2"
)

const modName = "console"

const usage = `syntax: commands separated by whitespace
(main)
- AT...      send raw AT command, show response
- probe      check modem responds
- init       test mode and RF settings from config
- rx         arm continuous receive
- tx=XX...   transmit payload hex
- decode=XX  decode and verify frame hex
- sN         pause N milliseconds

(meta)
- log=yes    enable modem debug logging
- log=no     disable modem debug logging
- loop=N     repeat N times all commands on this line
`

var Mod = subcmd.Mod{Name: modName, Usage: "interactive modem shell", Main: Main}

type modem interface {
	Command(ctx context.Context, cmd string, match func(string) bool, timeout time.Duration) (string, error)
	Init(ctx context.Context, rfcfg string) error
	Probe(ctx context.Context) error
	Receive(ctx context.Context) error
	Transmit(ctx context.Context, payloadHex string, timeout time.Duration) error
	Lines() <-chan string
}

func Main(ctx context.Context, config *state.Config) error {
	g := state.GetGlobal(ctx)
	if err := g.Init(config); err != nil {
		return err
	}
	m, err := subcmd.OpenModem(ctx, g)
	if err != nil {
		return errors.Annotate(err, modName)
	}
	defer m.Close()

	s := &Shell{Log: g.Log, Modem: m, ModemLog: m.Log, Config: config}
	g.Go(ctx, "console-lines", s.Echo)
	err = cli.MainLoop(ctx, "lorawatch-"+modName, s.Exec(ctx), newCompleter())
	g.Stop()
	return err
}

type Shell struct {
	Log      *log2.Log
	Modem    modem
	ModemLog *log2.Log
	Config   *state.Config
}

// Echo prints unsolicited modem lines, e.g. received packets after rx.
func (s *Shell) Echo(ctx context.Context) error {
	for {
		select {
		case line := <-s.Modem.Lines():
			s.Log.Infof("< %s", line)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Shell) Exec(ctx context.Context) func(string) {
	return func(line string) {
		if err := s.Run(ctx, line); err != nil {
			s.Log.Error(err)
		}
	}
}

// Run executes one input line.
func (s *Shell) Run(ctx context.Context, line string) error {
	sc, err := parseLine(line)
	if err != nil {
		return err
	}
	for i := 0; i < sc.loop; i++ {
		for _, a := range sc.actions {
			if err := s.do(ctx, a); err != nil {
				return errors.Annotatef(err, "action=%s", a.word)
			}
		}
	}
	return nil
}

type actionKind uint8

const (
	actHelp actionKind = iota
	actRaw
	actProbe
	actInit
	actRx
	actTx
	actDecode
	actPause
	actLog
)

type action struct {
	kind  actionKind
	word  string
	arg   string
	pause time.Duration
	on    bool
}

type script struct {
	loop    int
	actions []action
}

func parseLine(line string) (script, error) {
	sc := script{loop: 1}
	for _, word := range strings.Fields(line) {
		a := action{word: word}
		upper := strings.ToUpper(word)
		switch {
		case word == "help" || word == "?":
			a.kind = actHelp
		case strings.HasPrefix(upper, "AT"):
			a.kind = actRaw
			a.arg = word
		case word == "probe":
			a.kind = actProbe
		case word == "init":
			a.kind = actInit
		case word == "rx":
			a.kind = actRx
		case strings.HasPrefix(word, "tx="):
			a.kind = actTx
			a.arg = strings.ToUpper(word[3:])
			if _, err := hex.DecodeString(a.arg); err != nil || a.arg == "" {
				return sc, errors.NotValidf("payload hex word=%s", word)
			}
		case strings.HasPrefix(word, "decode="):
			a.kind = actDecode
			a.arg = word[7:]
		case strings.HasPrefix(word, "loop="):
			n, err := strconv.Atoi(word[5:])
			if err != nil || n < 1 {
				return sc, errors.NotValidf("loop word=%s", word)
			}
			sc.loop = n
			continue
		case word == "log=yes" || word == "log=no":
			a.kind = actLog
			a.on = word == "log=yes"
		case len(word) > 1 && word[0] == 's':
			ms, err := strconv.ParseUint(word[1:], 10, 32)
			if err != nil {
				return sc, errors.NotValidf("pause word=%s", word)
			}
			a.kind = actPause
			a.pause = time.Duration(ms) * time.Millisecond
		default:
			return sc, errors.NotSupportedf("word=%s", word)
		}
		sc.actions = append(sc.actions, a)
	}
	return sc, nil
}

func (s *Shell) do(ctx context.Context, a action) error {
	switch a.kind {
	case actHelp:
		s.Log.Info(usage)
	case actRaw:
		// response line starts with echo of command name, e.g. +MODE: TEST
		name := strings.TrimPrefix(strings.ToUpper(a.arg), "AT")
		if i := strings.IndexAny(name, "=?"); i >= 0 {
			name = name[:i]
		}
		resp, err := s.Modem.Command(ctx, a.arg, func(line string) bool {
			return strings.HasPrefix(line, name) || strings.Contains(line, "OK") || strings.Contains(line, "ERROR")
		}, 0)
		if err != nil {
			return err
		}
		s.Log.Infof("> %s", resp)
	case actProbe:
		if err := s.Modem.Probe(ctx); err != nil {
			return err
		}
		s.Log.Infof("modem ok")
	case actInit:
		return s.Modem.Init(ctx, s.Config.Radio.RF())
	case actRx:
		return s.Modem.Receive(ctx)
	case actTx:
		return s.Modem.Transmit(ctx, a.arg, s.Config.Radio.TxTimeout())
	case actDecode:
		f, err := frame.Decode(frame.Unwrap(a.arg))
		if err != nil {
			return err
		}
		verr := auth.VerifyFrame([]byte(s.Config.Secret), f)
		s.Log.Infof("frame %s %+v tag=%s verify=%v", f.Msg.Type(), f.Msg, f.Tag, verr)
	case actPause:
		if !helpers.SleepContext(ctx, a.pause) {
			return ctx.Err()
		}
	case actLog:
		if s.ModemLog == nil {
			return nil
		}
		if a.on {
			s.ModemLog.SetLevel(log2.LDebug)
		} else {
			s.ModemLog.SetLevel(log2.LInfo)
		}
	}
	return nil
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "AT", Description: "send raw AT command"},
		{Text: "probe", Description: "check modem responds"},
		{Text: "init", Description: "test mode and RF settings"},
		{Text: "rx", Description: "arm continuous receive"},
		{Text: "tx=", Description: "transmit payload hex"},
		{Text: "decode=", Description: "decode and verify frame"},
		{Text: "sN", Description: "pause for N ms"},
		{Text: "log=yes", Description: "modem debug log"},
		{Text: "loop=N", Description: "repeat line N times"},
		{Text: "help", Description: "show usage"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}
