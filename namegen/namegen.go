package namegen

import (
	"strings"
	"sync"
	"time"

	vendor "github.com/anandvarma/namegen"
)

var (
	gen   = vendor.New()
	mutex sync.Mutex
)

// ID identifies a run. It owns lock markers and names the output directory.
type ID string

// New returns a run id such as "resnet-sweep-20261018-142501-brave-falcon",
// built from the run name, the start time and a random suffix.
func New(name string, startedAt time.Time) ID {
	mutex.Lock()
	suffix := gen.Get()
	mutex.Unlock()

	parts := []string{startedAt.Format("20060102-150405"), slug(suffix)}
	if prefix := slug(name); prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return ID(strings.Join(parts, "-"))
}

func (id ID) String() string {
	return string(id)
}

// slug keeps lowercase letters and digits, and joins the rest with dashes.
func slug(s string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + 'a' - 'A'
		default:
			return ' '
		}
	}, s)
	return strings.Join(strings.Fields(mapped), "-")
}
