// Package log2 is a small levelled logger for daemons and tests.
// - level filtering, debug output mostly in tests and with log_debug config
// - safe concurrent change of level
// - NewTest routes output into t.Logf so parallel tests keep their lines apart
// - optional error hook, gateway counts errors without parsing text
package log2

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strings"
	"sync/atomic"
	"testing"
)

const ContextKey = "run/log"

const (
	// type specified here helped against accidentally passing flags as level
	Lmicroseconds     int = log.Lmicroseconds
	Lshortfile        int = log.Lshortfile
	LStdFlags         int = log.Ltime | Lshortfile
	LInteractiveFlags int = log.Ltime | Lshortfile | Lmicroseconds
	LServiceFlags     int = Lshortfile
	LTestFlags        int = Lshortfile | Lmicroseconds
)

type Level int32

const (
	LError Level = iota
	LInfo
	LDebug
	LAll Level = math.MaxInt32
)

type FmtFunc func(format string, args ...interface{})
type ErrorFunc func(error)

type Log struct {
	l      *log.Logger
	level  Level
	w      io.Writer
	fatalf FmtFunc
	errfun atomic.Value // ErrorFunc
	prefix string
}

func NewStderr(level Level) *Log { return NewWriter(os.Stderr, level) }

// NewWriter returns nil for io.Discard, all methods accept nil receiver.
func NewWriter(w io.Writer, level Level) *Log {
	if w == io.Discard {
		return nil
	}
	return &Log{
		l:     log.New(w, "", LStdFlags),
		level: level,
		w:     w,
	}
}

type funcWriter struct{ f FmtFunc }

func (fw funcWriter) Write(b []byte) (int, error) {
	fw.f("%s", string(b))
	return len(b), nil
}

func NewFunc(f FmtFunc, level Level) *Log { return NewWriter(funcWriter{f}, level) }

func NewTest(t testing.TB, level Level) *Log {
	self := NewFunc(t.Logf, level)
	self.SetFlags(LTestFlags)
	self.fatalf = t.Fatalf
	return self
}

func ContextValueLogger(ctx context.Context) *Log {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Errorf("context['%v'] is nil", ContextKey))
	}
	if l, ok := v.(*Log); ok {
		return l
	}
	panic(fmt.Errorf("context['%v'] expected type *Log", ContextKey))
}

// Clone keeps writer, flags, prefix and error hook.
func (self *Log) Clone(level Level) *Log {
	if self == nil {
		return nil
	}
	l := NewWriter(self.w, level)
	l.fatalf = self.fatalf
	l.SetFlags(self.l.Flags())
	l.SetPrefix(self.prefix)
	if f, ok := self.errfun.Load().(ErrorFunc); ok {
		l.SetErrorFunc(f)
	}
	return l
}

// Component returns a clone with same level and "name: " prefix appended.
func (self *Log) Component(name string) *Log {
	if self == nil {
		return nil
	}
	l := self.Clone(Level(atomic.LoadInt32((*int32)(&self.level))))
	l.SetPrefix(self.prefix + name + ": ")
	return l
}

func (self *Log) SetLevel(l Level) {
	if self == nil {
		return
	}
	atomic.StoreInt32((*int32)(&self.level), int32(l))
}

func (self *Log) SetFlags(f int) {
	if self == nil {
		return
	}
	self.l.SetFlags(f)
}

func (self *Log) SetPrefix(prefix string) {
	if self == nil {
		return
	}
	self.prefix = prefix
	self.l.SetPrefix(prefix)
	if prefix != "" {
		self.l.SetFlags(self.l.Flags() | log.Lmsgprefix)
	}
}

func (self *Log) SetErrorFunc(f ErrorFunc) {
	if self == nil {
		return
	}
	self.errfun.Store(f)
}

func (self *Log) Enabled(level Level) bool {
	if self == nil {
		return false
	}
	return atomic.LoadInt32((*int32)(&self.level)) >= int32(level)
}

func (self *Log) Log(level Level, s string) {
	if self.Enabled(level) {
		_ = self.l.Output(3, s)
	}
}
func (self *Log) Logf(level Level, format string, args ...interface{}) {
	if self.Enabled(level) {
		_ = self.l.Output(3, fmt.Sprintf(format, args...))
	}
}

func (self *Log) Error(args ...interface{}) {
	if self == nil {
		return
	}
	self.Log(LError, "error: "+fmt.Sprint(args...))
	if f, ok := self.errfun.Load().(ErrorFunc); ok {
		if len(args) == 1 {
			if e, ok := args[0].(error); ok {
				f(e)
				return
			}
		}
		f(fmt.Errorf("%s", fmt.Sprint(args...)))
	}
}
func (self *Log) Errorf(format string, args ...interface{}) {
	if self == nil {
		return
	}
	self.Logf(LError, "error: "+format, args...)
	if f, ok := self.errfun.Load().(ErrorFunc); ok {
		f(fmt.Errorf(format, args...))
	}
}
func (self *Log) Info(args ...interface{}) {
	self.Log(LInfo, fmt.Sprint(args...))
}
func (self *Log) Infof(format string, args ...interface{}) {
	self.Logf(LInfo, format, args...)
}
func (self *Log) Debug(args ...interface{}) {
	self.Log(LDebug, "debug: "+fmt.Sprint(args...))
}
func (self *Log) Debugf(format string, args ...interface{}) {
	self.Logf(LDebug, "debug: "+format, args...)
}

// Securityf is an error level message about rejected authentication.
func (self *Log) Securityf(format string, args ...interface{}) {
	self.Logf(LError, "security: "+format, args...)
}

func (self *Log) Fatalf(format string, args ...interface{}) {
	if self != nil && self.fatalf != nil {
		self.fatalf(format, args...)
		return
	}
	if self != nil {
		self.Logf(LError, "fatal: "+format, args...)
	} else {
		log.Printf("fatal: "+format, args...)
	}
	os.Exit(1)
}
func (self *Log) Fatal(args ...interface{}) {
	self.Fatalf("%s", fmt.Sprint(args...))
}

// Printer adapts Log for libraries expecting Println/Printf, like paho mqtt.
type Printer struct {
	log   *Log
	level Level
}

func (self *Log) Printer(level Level) Printer { return Printer{log: self, level: level} }

func (p Printer) Println(args ...interface{}) {
	p.log.Log(p.level, strings.TrimSuffix(fmt.Sprintln(args...), "\n"))
}
func (p Printer) Printf(format string, args ...interface{}) {
	p.log.Logf(p.level, format, args...)
}
