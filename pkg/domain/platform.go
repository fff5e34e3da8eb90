package domain

import (
	"maps"
	"time"
)

// BusinessDateType names a business calendar.
type BusinessDateType string

const (
	BusinessDate BusinessDateType = "BUSINESS_DATE"
	COBDate      BusinessDateType = "COB_DATE"
)

// Tenant identifies the institution a command runs for.
type Tenant struct {
	ID         int64
	Identifier string
	Name       string
	Timezone   string
}

// PlatformContext is the per-call tenant and business-date scope.
// It is passed explicitly to every service and handler call.
type PlatformContext struct {
	Tenant        Tenant
	businessDates map[BusinessDateType]time.Time
}

// NewPlatformContext creates a context for tenant with the given business dates.
func NewPlatformContext(tenant Tenant, dates map[BusinessDateType]time.Time) PlatformContext {
	return PlatformContext{Tenant: tenant, businessDates: maps.Clone(dates)}
}

// DefaultPlatformContext is a single-tenant context whose business date is today.
func DefaultPlatformContext() PlatformContext {
	return NewPlatformContext(Tenant{ID: 1, Identifier: "default", Name: "Default", Timezone: "UTC"}, nil)
}

// Location returns the tenant time zone, falling back to UTC.
func (p PlatformContext) Location() *time.Location {
	if p.Tenant.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Tenant.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// BusinessDate returns the tenant business date, or today in the tenant zone.
func (p PlatformContext) BusinessDate() time.Time {
	if d, ok := p.businessDates[BusinessDate]; ok {
		return TruncateDate(d)
	}
	now := Now().In(p.Location())
	return Date(now.Year(), now.Month(), now.Day())
}

// COBDate returns the close-of-business date, defaulting to the day before
// the business date.
func (p PlatformContext) COBDate() time.Time {
	if d, ok := p.businessDates[COBDate]; ok {
		return TruncateDate(d)
	}
	return p.BusinessDate().AddDate(0, 0, -1)
}

// WithBusinessDate returns a copy with the given calendar date set.
func (p PlatformContext) WithBusinessDate(kind BusinessDateType, d time.Time) PlatformContext {
	dates := maps.Clone(p.businessDates)
	if dates == nil {
		dates = make(map[BusinessDateType]time.Time)
	}
	dates[kind] = TruncateDate(d)
	return PlatformContext{Tenant: p.Tenant, businessDates: dates}
}

// Date returns midnight UTC of the given calendar day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// TruncateDate drops the time-of-day, keeping the calendar day of t.
func TruncateDate(t time.Time) time.Time {
	return Date(t.Year(), t.Month(), t.Day())
}

// Now is the clock used by the domain. Tests may replace it.
var Now = time.Now
