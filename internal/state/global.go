package state

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/lorawatch/log2"
)

// Global is owned by process entry point and passed by context to every task.
type Global struct {
	Alive        *alive.Alive
	BuildVersion string
	Config       *Config
	Log          *log2.Log
	Store        *Store
}

const ContextKey = "run/state-global"

func NewGlobal(log *log2.Log) *Global {
	return &Global{
		Alive:        alive.NewAlive(),
		BuildVersion: "unknown",
		Log:          log,
		Store:        NewStore(),
	}
}

func NewContext(ctx context.Context, g *Global) context.Context {
	ctx = context.WithValue(ctx, log2.ContextKey, g.Log)
	ctx = context.WithValue(ctx, ContextKey, g)
	return ctx
}

func GetGlobal(ctx context.Context) *Global {
	v := ctx.Value(ContextKey)
	if v == nil {
		panic(fmt.Sprintf("context['%s'] is nil", ContextKey))
	}
	if g, ok := v.(*Global); ok {
		return g
	}
	panic(fmt.Sprintf("context['%s'] expected type *Global actual=%#v", ContextKey, v))
}

// Init applies config. Error counter in store receives every logged error.
func (g *Global) Init(cfg *Config) error {
	g.Config = cfg
	if cfg.Node.LogDebug {
		g.Log.SetLevel(log2.LDebug)
	}
	g.Log.SetErrorFunc(g.Store.CountError)
	g.Log.Infof("build version=%s node id=%d name=%s", g.BuildVersion, cfg.Node.Id, cfg.Node.Name)
	return nil
}

func (g *Global) Error(err error, args ...interface{}) {
	if err != nil {
		if len(args) != 0 {
			msg := args[0].(string)
			args = args[1:]
			err = errors.Annotatef(err, msg, args...)
		}
		g.Log.Error(err)
	}
}

func (g *Global) Fatal(err error, args ...interface{}) {
	if err != nil {
		g.Error(err, args...)
		g.StopWait(5 * time.Second)
		g.Log.Fatal(errors.ErrorStack(err))
		os.Exit(1)
	}
}

func (g *Global) Stop() {
	g.Alive.Stop()
}

func (g *Global) StopWait(timeout time.Duration) bool {
	g.Alive.Stop()
	select {
	case <-g.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}

// Go runs task under Alive accounting. Task must return after ctx is done.
func (g *Global) Go(ctx context.Context, name string, task func(context.Context) error) {
	if !g.Alive.Add(1) {
		g.Log.Errorf("task=%s not started, stopping", name)
		return
	}
	go func() {
		defer g.Alive.Done()
		if err := task(ctx); err != nil && errors.Cause(err) != context.Canceled {
			g.Error(err, "task=%s", name)
			g.Alive.Stop()
		}
	}()
}

// Context returns ctx cancelled by Alive.Stop or SIGINT/SIGTERM.
func (g *Global) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(NewContext(parent, g))
	sigch := make(chan os.Signal, 1)
	signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigch:
			g.Log.Infof("signal=%v stopping", s)
			g.Alive.Stop()
		case <-g.Alive.StopChan():
		case <-ctx.Done():
		}
		signal.Stop(sigch)
		cancel()
	}()
	return ctx, cancel
}
