package store

import "strings"

// keywordScheme marks a PostgreSQL DSN in keyword form
// ("host=db user=drydock") so it can travel as a URI.
const keywordScheme = "postgres+dsn:"

// URI renders cfg as a single connection string that ParseURI reads back.
// Runner processes receive it to reach the same store as their controller.
func (c Config) URI() string {
	if c.Driver == DriverPostgres {
		if isPostgresURL(c.DSN) {
			return c.DSN
		}
		return keywordScheme + c.DSN
	}
	return "sqlite://" + c.DSN
}

// ParseURI is the inverse of Config.URI. Strings without a known scheme are
// taken as SQLite file paths.
func ParseURI(uri string) Config {
	switch {
	case isPostgresURL(uri):
		return Config{Driver: DriverPostgres, DSN: uri}
	case strings.HasPrefix(uri, keywordScheme):
		return Config{Driver: DriverPostgres, DSN: strings.TrimPrefix(uri, keywordScheme)}
	case strings.HasPrefix(uri, "sqlite://"):
		return Config{Driver: DriverSQLite, DSN: strings.TrimPrefix(uri, "sqlite://")}
	default:
		return Config{Driver: DriverSQLite, DSN: uri}
	}
}

func isPostgresURL(s string) bool {
	return strings.HasPrefix(s, "postgres://") || strings.HasPrefix(s, "postgresql://")
}
