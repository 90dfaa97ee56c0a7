package taskqueue

import (
	"errors"
	"sync"

	"gpulimit/internal/cmdexec"
)

// fakeProcess exits when finish is called or, if it ignores SIGTERM, only
// on Kill.
type fakeProcess struct {
	pid         int
	ignoreTerm  bool
	mu          sync.Mutex
	suspended   bool
	terminated  bool
	code        int
	done        chan struct{}
	once        sync.Once
	resumeCalls int
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) finish(code int) {
	p.once.Do(func() {
		p.mu.Lock()
		p.code = code
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() (int, error) {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	ignore := p.ignoreTerm
	p.mu.Unlock()
	if !ignore {
		p.finish(-1)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	select {
	case <-p.done:
		return cmdexec.ErrProcessDone
	default:
	}
	p.finish(-1)
	return nil
}

func (p *fakeProcess) Suspend() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = true
	return nil
}

func (p *fakeProcess) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = false
	p.resumeCalls++
	return nil
}

type fakeLauncher struct {
	mu         sync.Mutex
	specs      []cmdexec.Spec
	procs      []*fakeProcess
	err        error
	ignoreTerm bool
}

func (l *fakeLauncher) Launch(spec cmdexec.Spec) (cmdexec.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.specs = append(l.specs, spec)
	p := newFakeProcess(1000 + len(l.procs))
	p.ignoreTerm = l.ignoreTerm
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) last() (*fakeProcess, cmdexec.Spec) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil, cmdexec.Spec{}
	}
	return l.procs[len(l.procs)-1], l.specs[len(l.specs)-1]
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

var errNoSuchFile = errors.New("no such file or directory")
