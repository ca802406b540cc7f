package repo

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// sqliteDateTime is the layout sqlite's CURRENT_TIMESTAMP and datetime() produce.
const sqliteDateTime = "2006-01-02 15:04:05"

// Date is a timestamp column. It is written as RFC3339 text in UTC so rows sort
// lexically, and read back from RFC3339, sqlite's own datetime text, or a
// time.Time when the driver already parsed the column.
type Date time.Time

func (d Date) Value() (driver.Value, error) {
	return time.Time(d).UTC().Format(time.RFC3339), nil
}

// Scan treats NULL as the zero time.
func (d *Date) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*d = Date(time.Time{})
	case time.Time:
		*d = Date(v)
	case string:
		t, err := parseDate(v)
		if err != nil {
			return err
		}
		*d = Date(t)
	case []byte:
		t, err := parseDate(string(v))
		if err != nil {
			return err
		}
		*d = Date(t)
	default:
		return fmt.Errorf("cannot scan %T into Date", value)
	}
	return nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(sqliteDateTime, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

func (d Date) String() string {
	return time.Time(d).Format(time.RFC3339)
}

func (d Date) Time() time.Time {
	return time.Time(d)
}
