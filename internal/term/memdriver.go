package term

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// MemDriver is an in-memory TerminalDriver. Panes are byte buffers split on
// newlines for screen reads. Tests use it to observe writes and to script
// output; the doctor command uses it to probe the kernel without a real
// terminal attached.
type MemDriver struct {
	mu     sync.Mutex
	nextID int
	panes  map[string]*memPane

	// WriteHook, when set, is called after each successful Write with the
	// session handle and the content written. Tests use it to observe order
	// and overlap.
	WriteHook func(session string, content []byte, executeEnter bool)

	// FailWrites makes every Write fail, for driver-error paths.
	FailWrites bool
}

type memPane struct {
	name       string
	buf        []byte
	badge      string
	colors     Colors
	dead       bool
	terminated []func(string)
}

// NewMemDriver returns an empty MemDriver.
func NewMemDriver() *MemDriver {
	return &MemDriver{panes: make(map[string]*memPane)}
}

func (d *MemDriver) newHandle() string {
	d.nextID++
	return fmt.Sprintf("pane-%d", d.nextID)
}

func (d *MemDriver) pane(session string) (*memPane, error) {
	p, ok := d.panes[session]
	if !ok || p.dead {
		return nil, &protocol.DriverError{Kind: "lookup", Err: fmt.Errorf("no such pane %q", session)}
	}
	return p, nil
}

func (d *MemDriver) Create(_ context.Context, name, _ string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.newHandle()
	d.panes[h] = &memPane{name: name}
	return h, nil
}

func (d *MemDriver) Split(_ context.Context, session string, _, _ bool, _ string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.pane(session); err != nil {
		return "", err
	}
	h := d.newHandle()
	d.panes[h] = &memPane{name: h}
	return h, nil
}

func (d *MemDriver) Write(_ context.Context, session string, content []byte, executeEnter, _ bool) error {
	d.mu.Lock()
	if d.FailWrites {
		d.mu.Unlock()
		return &protocol.DriverError{Kind: "write", Err: fmt.Errorf("write disabled")}
	}
	p, err := d.pane(session)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	p.buf = append(p.buf, content...)
	if executeEnter {
		p.buf = append(p.buf, '\n')
	}
	hook := d.WriteHook
	d.mu.Unlock()

	if hook != nil {
		hook(session, content, executeEnter)
	}
	return nil
}

func (d *MemDriver) SendControl(_ context.Context, session string, b byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.pane(session)
	if err != nil {
		return err
	}
	p.buf = append(p.buf, b)
	return nil
}

func (d *MemDriver) ReadScreen(_ context.Context, session string, maxLines int) (Screen, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.pane(session)
	if err != nil {
		return Screen{}, err
	}
	lines := strings.Split(strings.TrimRight(string(p.buf), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}
	overflowed := false
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
		overflowed = true
	}
	return Screen{Lines: lines, Overflowed: overflowed}, nil
}

func (d *MemDriver) SetColors(_ context.Context, session string, colors Colors) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.pane(session)
	if err != nil {
		return err
	}
	if colors.Background != nil {
		p.colors.Background = colors.Background
	}
	if colors.Tab != nil {
		p.colors.Tab = colors.Tab
	}
	if colors.Cursor != nil {
		p.colors.Cursor = colors.Cursor
	}
	return nil
}

func (d *MemDriver) SetBadge(_ context.Context, session, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.pane(session)
	if err != nil {
		return err
	}
	p.badge = text
	return nil
}

func (d *MemDriver) Focus(_ context.Context, session string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.pane(session)
	return err
}

func (d *MemDriver) Close(_ context.Context, session string) error {
	d.mu.Lock()
	p, ok := d.panes[session]
	if !ok {
		d.mu.Unlock()
		return &protocol.DriverError{Kind: "close", Err: fmt.Errorf("no such pane %q", session)}
	}
	p.dead = true
	callbacks := p.terminated
	p.terminated = nil
	d.mu.Unlock()

	for _, fn := range callbacks {
		fn(session)
	}
	return nil
}

func (d *MemDriver) OnTerminated(session string, fn func(string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.panes[session]; ok && !p.dead {
		p.terminated = append(p.terminated, fn)
		return
	}
	go fn(session)
}

// FeedOutput appends text to a pane's buffer as if the program inside it had
// printed it. Test-only scripting hook.
func (d *MemDriver) FeedOutput(session, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.panes[session]; ok && !p.dead {
		p.buf = append(p.buf, text...)
	}
}

// Contents returns a pane's raw buffer.
func (d *MemDriver) Contents(session string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.panes[session]; ok {
		return string(p.buf)
	}
	return ""
}

// Badge returns a pane's current badge text.
func (d *MemDriver) Badge(session string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.panes[session]; ok {
		return p.badge
	}
	return ""
}
