package credentials

import (
	"bytes"
	"io"
	"sync"
)

// mask is what secret values are replaced with in captured output.
const mask = "****"

// Masker is an io.Writer that replaces every occurrence of the
// registered secret values before forwarding to the underlying writer.
// It holds back a small tail between writes so secrets split across
// write boundaries are still caught. Callers must Flush when the
// scope ends.
type Masker struct {
	mu      sync.Mutex
	out     io.Writer
	secrets [][]byte
	tail    []byte
	hold    int
}

// NewMasker wraps out, scrubbing the given secret values. Empty values
// are ignored; they would otherwise match everywhere.
func NewMasker(out io.Writer, values []string) *Masker {
	m := &Masker{out: out}
	for _, v := range values {
		if v == "" {
			continue
		}
		m.secrets = append(m.secrets, []byte(v))
		if len(v) > m.hold {
			m.hold = len(v)
		}
	}
	if m.hold > 0 {
		m.hold--
	}
	return m
}

// Write implements io.Writer. It always reports the full input length
// as written; the scrubbed form may be shorter.
func (m *Masker) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.secrets) == 0 {
		_, err := m.out.Write(p)
		return len(p), err
	}

	buf := append(m.tail, p...)
	buf = m.scrub(buf)

	// Hold back enough bytes that a secret straddling this write and
	// the next is still replaced whole.
	cut := len(buf) - m.hold
	if cut < 0 {
		cut = 0
	}
	if cut > 0 {
		if _, err := m.out.Write(buf[:cut]); err != nil {
			return 0, err
		}
	}
	m.tail = append(m.tail[:0], buf[cut:]...)
	return len(p), nil
}

// Flush scrubs and writes any held-back bytes. It must be called on
// every exit path of a credential scope.
func (m *Masker) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.tail) == 0 {
		return nil
	}
	buf := m.scrub(m.tail)
	m.tail = m.tail[:0]
	_, err := m.out.Write(buf)
	return err
}

func (m *Masker) scrub(buf []byte) []byte {
	for _, s := range m.secrets {
		buf = bytes.ReplaceAll(buf, s, []byte(mask))
	}
	return buf
}
