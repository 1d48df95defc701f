package storage

import (
	"fmt"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// timeCol scans a timestamp column that the driver may hand back either as
// time.Time or as text.
type timeCol struct{ t *time.Time }

func (c timeCol) Scan(src any) error {
	switch v := src.(type) {
	case time.Time:
		*c.t = v.UTC()
		return nil
	case string:
		return c.parse(v)
	case []byte:
		return c.parse(string(v))
	case nil:
		*c.t = time.Time{}
		return nil
	}
	return fmt.Errorf("unsupported timestamp type %T", src)
}

func (c timeCol) parse(s string) error {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*c.t = t.UTC()
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

// timeArg binds a timestamp parameter. SQLite compares timestamps as text,
// so they are written with a fixed-width UTC layout.
func (s *Storage) timeArg(t time.Time) any {
	t = t.UTC()
	if s.dialect == SQLite {
		return t.Format("2006-01-02 15:04:05.000000000Z07:00")
	}
	return t
}
