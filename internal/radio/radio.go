// Package radio is the LoRa transport collaborator.
// Payloads are hex text, lines are what the modem prints, one per event.
package radio

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
)

// Radio contract:
// - Transmit returns nil only after the modem confirmed transmission within timeout
// - after Transmit the modem is not listening until Receive
// - Lines delivers every modem line not consumed by a command, never blocks the modem
// - one owner at a time, sender or receiver role is fixed per node
type Radio interface {
	Transmit(ctx context.Context, payloadHex string, timeout time.Duration) error
	Receive(ctx context.Context) error
	Lines() <-chan string
}

const (
	RxMarker   = "+TEST: RX"
	TxDoneMark = "TX DONE"
)

var ErrTxTimeout = errors.Timeoutf("transmit confirmation")

// RxPayload extracts text between first and last quote of a receive line.
func RxPayload(line string) (string, bool) {
	if !strings.Contains(line, RxMarker) {
		return "", false
	}
	first := strings.IndexByte(line, '"')
	last := strings.LastIndexByte(line, '"')
	if first < 0 || last <= first {
		return "", false
	}
	return line[first+1 : last], true
}

// RxLine is how the modem reports received payload.
func RxLine(payloadHex string) string {
	return fmt.Sprintf("%s %q", RxMarker, payloadHex)
}

type Signal struct {
	Length int
	RSSI   int
	SNR    float64
}

var reSignal = regexp.MustCompile(`LEN:\s*(\d+),\s*RSSI:\s*(-?\d+),\s*SNR:\s*(-?\d+(?:\.\d+)?)`)

// ParseSignal reads quality report printed before each received payload.
func ParseSignal(line string) (Signal, bool) {
	m := reSignal.FindStringSubmatch(line)
	if m == nil {
		return Signal{}, false
	}
	var s Signal
	var err error
	if s.Length, err = strconv.Atoi(m[1]); err != nil {
		return Signal{}, false
	}
	if s.RSSI, err = strconv.Atoi(m[2]); err != nil {
		return Signal{}, false
	}
	if s.SNR, err = strconv.ParseFloat(m[3], 64); err != nil {
		return Signal{}, false
	}
	return s, true
}

func SignalLine(s Signal) string {
	return fmt.Sprintf("+TEST: LEN:%d, RSSI:%d, SNR:%s", s.Length, s.RSSI, strconv.FormatFloat(s.SNR, 'f', -1, 64))
}

// Drain discards lines already buffered, stale replies must not be taken for fresh ones.
func Drain(r Radio) int {
	n := 0
	for {
		select {
		case <-r.Lines():
			n++
		default:
			return n
		}
	}
}
