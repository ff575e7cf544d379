package tenants

import (
	"fmt"
	"strings"
	"time"
)

// Tenant represents one isolated organization: its own schema, its own
// identity agent and, on demand, its own OIDC issuers.
type Tenant struct {
	ID        string // uuid
	Slug      string // short hostname-safe name (acme)
	Activated bool   // flipped only by the tenant manager

	// Connection parameters for the tenant's database. The schema name is
	// never stored; it is derived from the id (see SchemaName).
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SchemaName derives the tenant's schema deterministically from its id so
// it can never collide with another tenant's.
func (t Tenant) SchemaName() string {
	return "t_" + strings.ReplaceAll(t.ID, "-", "")
}

// DSN renders the connection string for the tenant's database.
func (t Tenant) DSN() string {
	port := t.DBPort
	if port == 0 {
		port = 5432
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", t.DBUser, t.DBPassword, t.DBHost, port, t.DBName)
}
