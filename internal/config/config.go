// Package config reads process configuration and resolves backend
// connection strings from schema metadata and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"dbbridge/internal/schema"
)

// EnvPrefix namespaces every environment variable this process reads.
const EnvPrefix = "DBBRIDGE_"

type Config struct {
	LogLevel  string
	LogFormat string
	// AppliedBy stamps migration history records; defaults to $USER.
	AppliedBy string
}

func Load() Config {
	return Config{
		LogLevel:  getEnv(EnvPrefix+"LOG_LEVEL", "info"),
		LogFormat: getEnv(EnvPrefix+"LOG_FORMAT", "json"),
		AppliedBy: getEnv(EnvPrefix+"APPLIED_BY", os.Getenv("USER")),
	}
}

// ConnectionSource records where a resolved connection string came from.
type ConnectionSource string

const (
	SourceExplicitEnv ConnectionSource = "connection_env"
	SourceNamedEnv    ConnectionSource = "named_env"
	SourceLiteral     ConnectionSource = "literal"
)

// ErrNoConnection means neither metadata nor the environment yields a
// connection string for the schema.
var ErrNoConnection = errors.New("no connection string resolved")

// ResolveConnection resolves the DSN for a schema document. Priority:
// an explicit connection_env variable named in the metadata, then the
// DBBRIDGE_<SCHEMA_NAME>_URL naming convention, then a literal
// connection value embedded in the document. Literal credentials in a
// schema file are a smell, so the caller is told which source won and
// can warn on SourceLiteral.
func ResolveConnection(doc *schema.Document) (dsn string, source ConnectionSource, err error) {
	if doc.Metadata.ConnectionEnv != "" {
		v := os.Getenv(doc.Metadata.ConnectionEnv)
		if v == "" {
			return "", "", fmt.Errorf("connection env %s is set in schema %q but empty", doc.Metadata.ConnectionEnv, doc.Name)
		}
		return v, SourceExplicitEnv, nil
	}
	if v := os.Getenv(NamedConnectionVar(doc.Name)); v != "" {
		return v, SourceNamedEnv, nil
	}
	if doc.Metadata.Connection != "" {
		return doc.Metadata.Connection, SourceLiteral, nil
	}
	return "", "", fmt.Errorf("%w for schema %q (set %s or connection_env)", ErrNoConnection, doc.Name, NamedConnectionVar(doc.Name))
}

// NamedConnectionVar maps a schema name onto its conventional
// environment variable, DBBRIDGE_<NAME>_URL with the name uppercased
// and non-alphanumerics folded to underscores.
func NamedConnectionVar(schemaName string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(schemaName) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return EnvPrefix + b.String() + "_URL"
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
