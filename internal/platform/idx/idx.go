package idx

import (
	"crypto/rand"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrInvalid reporta un ULID mal formado.
var ErrInvalid = errors.New("idx: invalid ulid")

// generator serializa el acceso a la fuente monotónica; ulid.MonotonicEntropy
// no es segura para uso concurrente.
type generator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

var (
	once   sync.Once
	global *generator
)

func initGlobal() {
	global = &generator{entropy: ulid.Monotonic(rand.Reader, 0)}
}

// New devuelve un ULID ordenable lexicográficamente (jobs de notificación,
// entradas de auditoría).
func New() string {
	return NewAt(time.Now().UTC())
}

// NewAt genera un ULID con el timestamp indicado. Útil en tests.
func NewAt(t time.Time) string {
	once.Do(initGlobal)

	global.mu.Lock()
	defer global.mu.Unlock()

	return ulid.MustNew(ulid.Timestamp(t.UTC()), global.entropy).String()
}

// Parse valida la forma canónica.
func Parse(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrInvalid
	}
	if _, err := ulid.ParseStrict(s); err != nil {
		return "", ErrInvalid
	}
	return s, nil
}

// Time extrae el timestamp embebido; zero time si el id no es válido.
func Time(id string) time.Time {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}
	}
	return ulid.Time(u.Time())
}
