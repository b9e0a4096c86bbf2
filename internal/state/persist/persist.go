// Package persist keeps small binary state across process restarts,
// e.g. sender sequence counter. Storage is extremofile: main and backup copy with checksums.
package persist

import (
	"encoding"
	"io"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/extremofile"
	"github.com/temoto/lorawatch/log2"
)

type Stater interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type storage interface {
	Read() ([]byte, error)
	io.Writer
}

// Binds Stater Load/Store to persistent storage. Empty dir disables persistence.
type Persist struct {
	sync.Mutex
	log     *log2.Log
	tag     string
	target  Stater
	storage storage
}

func New(tag string, target Stater, dir string, log *log2.Log) *Persist {
	if target == nil {
		panic("code error persist target nil")
	}
	p := &Persist{tag: tag, target: target, log: log}
	if dir == "" {
		p.log.Debugf("persist %s disabled", p.tag)
		return p
	}
	p.storage = extremofile.New(extremofile.Config{
		Dir:      dir,
		DirPerm:  0o755,
		FilePerm: 0o644,
	})
	return p
}

func (p *Persist) Enabled() bool { return p.storage != nil }

// Load leaves target untouched when nothing was stored yet.
func (p *Persist) Load() error {
	if p.storage == nil {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	tbegin := time.Now()
	b, err := p.storage.Read()
	p.log.Debugf("persist %s storage.read duration=%v", p.tag, time.Since(tbegin))
	if b != nil {
		if err != nil {
			p.log.Errorf("persist %s ignore non-critical storage err=%v", p.tag, err)
		}
		err = p.target.UnmarshalBinary(b)
	} else if err != nil && !extremofile.IsCritical(err) {
		p.log.Debugf("persist %s empty storage err=%v", p.tag, err)
		err = nil
	}
	return errors.Annotatef(err, "persist %s Load", p.tag)
}

func (p *Persist) Store() error {
	if p.storage == nil {
		return nil
	}
	p.Lock()
	defer p.Unlock()
	b, err := p.target.MarshalBinary()
	if err == nil {
		tbegin := time.Now()
		_, err = p.storage.Write(b)
		p.log.Debugf("persist %s storage.write duration=%v", p.tag, time.Since(tbegin))
	}
	return errors.Annotatef(err, "persist %s Store", p.tag)
}
